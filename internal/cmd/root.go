package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Quota-aware mediator for rate-limited upstream APIs",
	Long: `quotaguard sits between clients and rate-limited HTTP APIs. It caches
responses, paces calls so the daily quota lasts the whole day, retries
transient failures and serves configured fallbacks when upstream calls fail.

Use the subcommands to run the server or inspect and tune endpoint state.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early so config loading does not emit metrics
	// to stdout. serve initializes proper telemetry later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", config.AppName))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

func initLogging() {
	observability.InitCLILogger(config.AppName, verbose)
}

// loadConfig loads configuration for a command, applying runtime overrides
// on top of file and environment values.
func loadConfig(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(ctx, cfgFile, overrides)
	if err != nil {
		return nil, err
	}

	if verbose {
		if used := config.ConfigFileUsed(cfgFile); used != "" {
			observability.CLI().Debug("Using config file", zap.String("path", used))
		} else {
			observability.CLI().Debug("No config file found, using defaults and environment variables")
		}
	}

	return cfg, nil
}
