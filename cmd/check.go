package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/server"
	"github.com/Frunin/diario-oficial/internal/watcher"
)

// checkOutput is what the check command prints.
type checkOutput struct {
	CheckID     string           `json:"check_id"`
	Strategy    string           `json:"strategy"`
	Generative  bool             `json:"generative"`
	NewEdition  bool             `json:"new_edition"`
	SnapshotURI string           `json:"snapshot_uri,omitempty"`
	Records     []gazette.Record `json:"records"`
}

// newCheckCmd runs a single check and prints the batch as JSON.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Runs one check and prints the latest editions as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			cfg := rt.cfg
			cfg.Schedule.Enabled = false
			app, err := server.Build(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer app.Close(cmd.Context())

			res, err := app.Watcher().Check(cmd.Context())
			if err != nil {
				rt.logger.Error("check failed", zap.Error(err))
				return errors.New(gazette.UserMessage(err))
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
}

func printResult(w io.Writer, res watcher.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	out := checkOutput{
		CheckID:     res.CheckID,
		Strategy:    res.Strategy,
		Generative:  res.Generative,
		NewEdition:  res.NewEdition,
		SnapshotURI: res.SnapshotURI,
		Records:     res.Records,
	}
	if out.Records == nil {
		out.Records = []gazette.Record{}
	}
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
