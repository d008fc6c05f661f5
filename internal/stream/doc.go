// Package stream manages the set of live detector sessions.
// It assigns session ids, bounds the number of concurrent sessions, expires
// idle ones and records per-operation metrics.
package stream
