package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

// openSink opens path for writing, or the command's stdout for "" and "-".
func openSink(cmd *cobra.Command, path string) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: cmd.OutOrStdout(), close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

// emit writes rendered to the --out target of cmd.
func emit(cmd *cobra.Command, rendered string) error {
	outPath, err := cmd.Flags().GetString("out")
	if err != nil {
		outPath = ""
	}

	sink, err := openSink(cmd, outPath)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintln(sink.writer, rendered); err != nil {
		_ = sink.close()
		return err
	}
	return sink.close()
}
