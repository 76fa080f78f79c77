// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout, stderr and OpenTelemetry outputs
//   - automatic context fields (trace_id, execution.id, agent.name, phase)
//   - secret redaction at encode time
//   - sampling below Error
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithExecution(ctx, execID, "planner", "plan")
//	logger.Info(ctx, "invocation finished", zap.Int64("duration_ms", ms))
//
// Bridge components accept a *zap.Logger; pass logger.Underlying().
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertNoSecrets(t)
package logging
