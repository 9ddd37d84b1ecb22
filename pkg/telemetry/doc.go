// Package telemetry provides logging, tracing and metrics for fleetsetup.
//
// It wraps zerolog for structured logs, OpenTelemetry for spans around
// request, machine and task runs, and Prometheus for counters and histograms
// on a private registry:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx, span := tel.Tracer.StartRequestSpan(ctx, req.ID)
//	defer span.End()
//	tel.Metrics.RecordRequestStarted(false)
//
// Metrics and Tracer methods are nil-safe so library code can run without
// telemetry wired in.
package telemetry
