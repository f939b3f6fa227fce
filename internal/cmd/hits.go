package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/output"
)

var (
	hitsOutput   string
	hitsEndpoint string
	hitsMethod   string
	hitsYes      bool
)

var hitsCmd = &cobra.Command{
	Use:   "hits",
	Short: "Inspect and reset usage records",
}

var hitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hit records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(hitsOutput)
		if err != nil {
			return err
		}

		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		records, err := state.tracker.List(cmd.Context())
		if err != nil {
			return err
		}
		records = filterRecords(records, hitsEndpoint)

		rendered, err := output.HitRecords(format, records)
		if err != nil {
			return err
		}
		return emit(cmd, rendered)
	},
}

var hitsAnalyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Aggregate hit records per endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(hitsOutput)
		if err != nil {
			return err
		}

		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		stats, err := state.tracker.Analytics(cmd.Context(), strings.TrimSpace(hitsEndpoint))
		if err != nil {
			return err
		}

		rendered, err := output.Analytics(format, stats)
		if err != nil {
			return err
		}
		return emit(cmd, rendered)
	},
}

var hitsResetCmd = &cobra.Command{
	Use:   "reset <path>",
	Short: "Delete the hit record of one endpoint",
	Long: `Delete the hit record of one endpoint so its daily quota starts over.
The record is recreated on the next mediated request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hitsYes {
			return fmt.Errorf("reset is destructive; pass --yes to confirm")
		}

		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		key := core.NewEndpointKey(args[0], hitsMethod)
		deleted, err := state.tracker.Reset(cmd.Context(), key.Endpoint, key.Method)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no hit record for %s", key)
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Reset hit record for %s\n", key)
		return err
	},
}

func filterRecords(records []*core.HitRecord, endpoint string) []*core.HitRecord {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return records
	}
	filtered := make([]*core.HitRecord, 0, len(records))
	for _, record := range records {
		if record != nil && record.Endpoint == endpoint {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

func init() {
	hitsCmd.PersistentFlags().StringVar(&hitsOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	hitsCmd.PersistentFlags().String("out", "", "Write output to a file (default stdout)")

	hitsListCmd.Flags().StringVar(&hitsEndpoint, "endpoint", "", "Only show records for this endpoint path")
	hitsAnalyticsCmd.Flags().StringVar(&hitsEndpoint, "endpoint", "", "Only aggregate this endpoint path")

	hitsResetCmd.Flags().StringVarP(&hitsMethod, "method", "m", "GET", "HTTP method of the endpoint")
	hitsResetCmd.Flags().BoolVar(&hitsYes, "yes", false, "Confirm the reset")

	hitsCmd.AddCommand(hitsListCmd, hitsAnalyticsCmd, hitsResetCmd)
	rootCmd.AddCommand(hitsCmd)
}
