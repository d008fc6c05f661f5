// Package metrics defines the Prometheus instrumentation of the VAD service.
package metrics
