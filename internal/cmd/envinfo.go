package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLI()
		version := crucible.GetVersion()

		logger.Info("=== QuotaGuard Environment Information ===")
		logger.Info("")

		logger.Info("Application:")
		logger.Info("  Name:       " + config.AppName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		logger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig(cmd.Context(), nil)
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}

		configFile := config.ConfigFileUsed(cfgFile)
		if configFile == "" {
			configFile = "(none; defaults + environment)"
		}

		logger.Info("Configuration:")
		logger.Info("  Config File:    " + configFile)
		logger.Info("  Server:         " + fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		logger.Info("  Request Limit:  " + cfg.Server.RequestTimeout.String())
		logger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		logger.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		logger.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			logger.Info("  DB URL:         " + cfg.Store.URL)
		} else {
			logger.Info("  DB Path:        " + cfg.Store.Path)
		}
		logger.Info("  Cache Backend:  " + cfg.Cache.Backend)
		if strings.EqualFold(cfg.Cache.Backend, "redis") {
			logger.Info("  Redis Addr:     " + cfg.Cache.Redis.Addr)
		} else {
			logger.Info(fmt.Sprintf("  Cache Capacity: %d", cfg.Cache.Capacity))
		}
		logger.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		logger.Info(fmt.Sprintf("  Admin API:      %t", cfg.Admin.Token != ""))
		if cfg.EndpointsFile != "" {
			logger.Info("  Endpoints File: " + cfg.EndpointsFile)
		}
		logger.Info("")

		d := cfg.Defaults
		logger.Info("Endpoint Defaults:")
		logger.Info(fmt.Sprintf("  Daily Limit:    %d", d.MaxHitsPerDay))
		logger.Info(fmt.Sprintf("  Cache:          %t %s ttl=%s", d.CacheEnabled, d.CacheStrategy, d.CacheTTL))
		logger.Info(fmt.Sprintf("  Retry:          %d x %s backoff=%t", d.RetryAttempts, d.RetryDelay, d.RetryBackoff))
		logger.Info(fmt.Sprintf("  Peak Window:    %02d-%02d %s (%.2f/%.2f)",
			d.Traffic.PeakStart, d.Traffic.PeakEnd, d.Traffic.Timezone, d.Traffic.PeakShare, d.Traffic.OffPeakShare))
		logger.Info("")

		logger.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
