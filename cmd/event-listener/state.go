package main

import (
	"errors"
	"fmt"

	"github.com/devblac/event-listener/internal/config"
	"github.com/devblac/event-listener/internal/storage"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the last processed event for the configured contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.LoadOrEnv(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.DBPath == "" {
			return errors.New("state: db_path is not configured")
		}

		store, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		id := cfg.Endpoint().ID()
		cp, ok, err := store.GetCheckpoint(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "%s: no events processed yet\n", id)
			return nil
		}
		fmt.Fprintf(out, "%s: block %d log %d tx %s (updated %s)\n",
			id, cp.Block, cp.LogIndex, cp.TxHash, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}
