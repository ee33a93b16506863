// Package instrumentation wires OpenTelemetry tracing and metrics for
// mtd-connect.
//
// Components receive an *Instrumentation and open spans under their own
// scope ("auth", "authority", "submission", "storage"). A nil
// *Instrumentation is valid everywhere: Metrics() returns nil and every
// Record method on a nil *Metrics is a no-op, so tests and minimal
// deployments can skip observability entirely.
//
// Metrics can be exported in Prometheus format:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    Enabled:         true,
//	    ServiceName:     "mtd-connect",
//	    MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	http.Handle("/metrics", promhttp.Handler())
//
// Never attach token values, authorization codes or raw authority response
// bodies to spans or metric attributes.
package instrumentation
