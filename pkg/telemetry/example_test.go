package telemetry_test

import (
	"context"
	"os"

	"github.com/storyboard/storyboard/pkg/telemetry"
)

// Example_structuredLogging demonstrates component and request scoped logging.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = "json"

	logger := telemetry.NewLoggerTo(os.Stdout, cfg.Logging).
		NewComponentLogger("server").
		WithRequestID("req-1")

	ctx := logger.WithContext(context.Background())
	telemetry.FromContext(ctx).WithStoryID(7).Debug("not shown at info level")

	// Output:
}
