package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"mindloop/internal/config"
	"mindloop/internal/engine"
	"mindloop/internal/store"
)

// statusCmd prints the persisted loop snapshot without starting anything.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted loop state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.ConfigPath(workspace))
		if err != nil {
			return err
		}

		states, err := store.NewFileStateStore(resolvePath(cfg.StateDir))
		if err != nil {
			return err
		}

		out := map[string]json.RawMessage{}
		for _, key := range []string{engine.KeyEngineState, engine.KeyBudgetState, engine.KeyBufferState} {
			data, err := states.Read(key)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			if data == nil {
				continue
			}
			out[key] = json.RawMessage(data)
		}

		if len(out) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no persisted state; the loop has not run in this workspace")
			return nil
		}
		rendered, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(rendered))
		return nil
	},
}

func resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
