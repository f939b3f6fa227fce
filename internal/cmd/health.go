package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core/cache"
	errwrap "github.com/quotaguard/quotaguard/internal/errors"
	"github.com/quotaguard/quotaguard/internal/observability"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify that the configuration loads and that the store and cache backends are reachable.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLI()
		logger.Info("Running health check...")

		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		cfg, err := loadConfig(ctx, nil)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Configuration is invalid",
				errwrap.WrapValidationError(ctx, err, "configuration is invalid"))
			return
		}
		logger.Info("✅ Configuration valid")

		db, err := openStore(ctx, cfg.Store)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Store unavailable",
				errwrap.WrapDatabaseError(ctx, err, "store unavailable"))
			return
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		if err := db.Ping(ctx); err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Store ping failed",
				errwrap.WrapDatabaseError(ctx, err, "store ping failed"))
			return
		}
		logger.Info("✅ Store reachable", zap.String("driver", db.Driver()))

		responseCache, closeCache, err := cache.Open(ctx, cfg.Cache, logger)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Cache backend is invalid",
				errwrap.WrapInvalidInput(ctx, err, "cache backend is invalid"))
			return
		}
		defer closeCache() // nolint:errcheck // best-effort cleanup
		if err := responseCache.Ping(ctx); err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitFailure, "Cache ping failed",
				errwrap.WrapExternalService(ctx, err, "cache ping failed"))
			return
		}
		logger.Info("✅ Cache reachable", zap.String("backend", cfg.Cache.Backend))

		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "overall timeout for the checks")
}
