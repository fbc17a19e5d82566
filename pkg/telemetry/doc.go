// Package telemetry provides observability instrumentation for Storyboard.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("lifecycle")
//	logger.WithStoryID(42).Info("Story updated")
//	logger.WithError(err).Error("Swap failed")
//
// # Tracing
//
//	ic := telemetry.StartOperation(ctx, "story.insert")
//	defer func() { ic.End(err) }()
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
//	tel.Metrics.RecordStoryOperation("insert", err)
//	tel.Metrics.RecordSwap("success", duration)
//
// Metrics are served by the main HTTP server at Metrics.Path (default /metrics).
package telemetry
