// Package metrics defines jobmon's Prometheus collectors and the /metrics
// HTTP handler. All collectors are registered at init.
package metrics
