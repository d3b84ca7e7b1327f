// Package observability exposes the gateway's Prometheus metrics. Metrics are
// registered once on the default registry; components record through the
// package-level helpers and never hold metric handles themselves.
package observability
