// Package metrics defines the Prometheus series exported by the transcriber.
package metrics
