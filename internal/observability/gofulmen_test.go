package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/observability"
)

func TestLoggers(t *testing.T) {
	t.Run("CLI logger creation", func(t *testing.T) {
		observability.InitCLILogger("quotaguard-test", false)
		require.NotNil(t, observability.CLILogger)

		observability.CLILogger.Info("Test CLI log message", zap.String("test", "value"))
		require.Same(t, observability.CLILogger, observability.CLI())
	})

	t.Run("Structured server logger", func(t *testing.T) {
		observability.InitServerLogger("quotaguard-test", "debug", "structured", "quotaguard")
		require.NotNil(t, observability.ServerLogger)

		observability.ServerLogger.Info("Test structured log message",
			zap.String("component", "test"),
			zap.Int("request_id", 123))
	})

	t.Run("Simple server logger", func(t *testing.T) {
		observability.InitServerLogger("quotaguard-test", "warn", "simple")
		require.NotNil(t, observability.ServerLogger)
		observability.ServerLogger.Warn("simple profile")
		observability.SyncLoggers()
	})

	t.Run("Verbose CLI logger", func(t *testing.T) {
		logger, err := logging.NewCLI("verbose-test")
		require.NoError(t, err)
		logger.SetLevel(logging.DEBUG)
		logger.Debug("Debug message", zap.String("mode", "verbose"))
	})
}

func TestNopFallbacks(t *testing.T) {
	require.NotNil(t, observability.Nop())
	require.NotNil(t, observability.OrNop(nil))

	logger := zap.NewNop()
	require.Same(t, logger, observability.OrNop(logger))

	// Nop loggers accept every level without panicking.
	observability.Nop().Debug("debug")
	observability.Nop().Error("error", zap.String("k", "v"))
}

func TestMetricsLifecycle(t *testing.T) {
	require.NoError(t, observability.StopMetrics())

	require.NoError(t, observability.InitMetrics("quotaguard_test", 0))
	require.NotNil(t, observability.TelemetrySystem)
	require.Greater(t, observability.GetMetricsPort(), 0)

	require.NoError(t, observability.StopMetrics())
	require.Nil(t, observability.TelemetrySystem)
}
