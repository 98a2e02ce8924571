// Package store defines the persistence contract for batch progress. Drivers
// live elsewhere; this package must not import them.
package store
