// Package telemetry wires OpenTelemetry tracing and metrics for the playground.
//
// Step executors open a span per backend request and the HTTP API records
// request metrics. With telemetry disabled both use the global no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Export failures never stop a run; the instance reports itself as degraded.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
