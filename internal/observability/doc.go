// Package observability builds the process logger, the Prometheus collectors
// and the OpenTelemetry tracer used by the arbitration pipeline.
package observability
