// Package sidecar is the standalone webhook receiver. It persists vendor
// callbacks into a SolutionStore, sweeps rows past the retention window, and
// offers a read endpoint plus a client for crawlers that cannot open the
// store themselves.
package sidecar
