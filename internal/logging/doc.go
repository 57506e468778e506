// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Dual output (stdout + OpenTelemetry)
//   - Automatic context field injection (trace_id, spec, phase, task)
//   - Defense-in-depth secret redaction
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
// Create logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithPhase(ctx, &logging.Phase{SpecID: "spec-42", Index: 3})
//	ctx = logging.WithTaskID(ctx, "task-7f1c")
//	logger.Info(ctx, "task dispatched", zap.String("agent", "builder"))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-24T10:15:30Z",
//	  "level": "info",
//	  "msg": "task dispatched",
//	  "trace_id": "abc123",
//	  "spec.id": "spec-42",
//	  "phase.index": 3,
//	  "task.id": "task-7f1c",
//	  "agent": "builder"
//	}
//
// # Secret Redaction
//
// Secrets are redacted at the encoder layer by field name filtering and
// pattern matching. Use helpers for manual redaction:
//
//	logger.Info(ctx, "auth received",
//	    logging.RedactedString("authorization", authHeader))
//
// # Sampling
//
// Level-aware sampling prevents log floods:
//   - Debug: first 10 per second, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error+: never sampled
//
// Disable for debugging:
//
//	cfg.Sampling.Enabled = false
//
// # Testing
//
// Use TestLogger for test assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
//	tl.AssertNoSecrets(t)
//
// # Concurrency Safety
//
// Logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
package logging
