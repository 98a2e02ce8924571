// Package sinks holds progress.Sink implementations: structured logs,
// Prometheus collectors and a repository-backed store.
package sinks
