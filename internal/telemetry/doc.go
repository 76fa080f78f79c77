// Package telemetry provides OpenTelemetry instrumentation for the bridge.
//
// Traces and metrics are exported over OTLP (grpc or http/protobuf) to a
// collector. Lifecycle phases become spans named lifecycle.setup,
// lifecycle.execute and so on; invocations record
// execbridge.invocations_total and execbridge.invocation_duration_seconds.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
