// Package resilience wraps outbound calls with jittered exponential backoff
// and per-target circuit breakers. Every provider adapter and the sidecar
// client reach the network through Executor.Do.
package resilience
