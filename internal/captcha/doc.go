// Package captcha defines the domain model of the CAPTCHA resolution
// subsystem: challenge descriptors, resolution tasks, cached tokens, stored
// webhook solutions, the error taxonomy, and the collaborator interfaces
// implemented by providers, stores, caches, and publishers.
package captcha
