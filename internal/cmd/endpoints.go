package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/registry"
	"github.com/quotaguard/quotaguard/internal/output"
)

var (
	endpointsOutput string

	endpointMethod string
	endpointPatch  string

	importOverwrite bool
	importDryRun    bool
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Inspect and tune endpoint configs",
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoint configs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(endpointsOutput)
		if err != nil {
			return err
		}

		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		configs, err := state.registry.List(cmd.Context())
		if err != nil {
			return err
		}

		rendered, err := output.Endpoints(format, configs)
		if err != nil {
			return err
		}
		return emit(cmd, rendered)
	},
}

var endpointsShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Show one endpoint config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(endpointsOutput)
		if err != nil {
			return err
		}

		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		cfg, err := state.registry.Lookup(cmd.Context(), args[0], endpointMethod)
		if err != nil {
			return err
		}

		rendered, err := output.Endpoint(format, cfg)
		if err != nil {
			return err
		}
		return emit(cmd, rendered)
	},
}

var endpointsUpdateCmd = &cobra.Command{
	Use:   "update <path>",
	Short: "Apply a JSON patch to an endpoint config",
	Long: `Apply a partial update to an endpoint config. The patch is a JSON object
whose keys name the fields to change, for example:

  quotaguard endpoints update /v1/forecast --method GET \
    --patch '{"daily_limit": 1000, "cache_strategy": "sliding"}'

Use {"clear_fallback": true} to remove a configured fallback response.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(endpointsOutput)
		if err != nil {
			return err
		}

		patch, err := parsePatch(endpointPatch)
		if err != nil {
			return err
		}

		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		cfg, err := state.registry.Update(cmd.Context(), args[0], endpointMethod, patch)
		if err != nil {
			return err
		}

		rendered, err := output.Endpoint(format, cfg)
		if err != nil {
			return err
		}
		return emit(cmd, rendered)
	},
}

var endpointsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import endpoint configs from a YAML file",
	Long: `Import endpoint configs from a YAML file with a top-level "endpoints" list.
Fields an entry omits take the configured defaults.

Existing configs are kept unless --overwrite is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := openState(cmd.Context())
		if err != nil {
			return err
		}
		defer state.Close() // nolint:errcheck // best-effort cleanup

		configs, err := registry.LoadSeedFile(args[0], state.cfg.EndpointDefaults())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if importDryRun {
			for _, cfg := range configs {
				if err := state.registry.Validate(cfg); err != nil {
					return fmt.Errorf("%s: %w", cfg.Key(), err)
				}
			}
			_, err := fmt.Fprintf(out, "%d endpoint config(s) valid, nothing written\n", len(configs))
			return err
		}

		if importOverwrite {
			for _, cfg := range configs {
				if err := state.registry.Put(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintf(out, "Imported %d endpoint config(s)\n", len(configs))
			return err
		}

		created, err := state.registry.Seed(cmd.Context(), configs)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "Imported %d/%d endpoint config(s); %d already existed\n",
			created, len(configs), len(configs)-created)
		return err
	},
}

func parsePatch(raw string) (core.ConfigPatch, error) {
	var patch core.ConfigPatch
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return patch, fmt.Errorf("--patch is required")
	}

	decoder := json.NewDecoder(strings.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		return patch, fmt.Errorf("invalid patch: %w", err)
	}
	if patch.IsEmpty() {
		return patch, fmt.Errorf("patch changes nothing")
	}
	return patch, nil
}

func init() {
	endpointsCmd.PersistentFlags().StringVar(&endpointsOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	endpointsCmd.PersistentFlags().String("out", "", "Write output to a file (default stdout)")

	for _, c := range []*cobra.Command{endpointsShowCmd, endpointsUpdateCmd} {
		c.Flags().StringVarP(&endpointMethod, "method", "m", "GET", "HTTP method of the endpoint")
	}
	endpointsUpdateCmd.Flags().StringVar(&endpointPatch, "patch", "", "JSON object with the fields to change")

	endpointsImportCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "Replace existing configs")
	endpointsImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate the file without writing")

	endpointsCmd.AddCommand(endpointsListCmd, endpointsShowCmd, endpointsUpdateCmd, endpointsImportCmd)
	rootCmd.AddCommand(endpointsCmd)
}
