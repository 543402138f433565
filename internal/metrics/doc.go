// Package metrics defines the Prometheus metrics of the capture client and
// the subtitle server.
package metrics
