package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/devblac/event-listener/internal/config"
	"github.com/devblac/event-listener/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagFormat string
	flagLimit  int
)

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().IntVar(&flagLimit, "limit", 0, "Export at most the latest N notifications (0 = all)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored notifications as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrEnv(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.DBPath == "" {
			return errors.New("export: db_path is not configured")
		}

		store, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		rows, err := store.ListNotifications(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
		return writeNotifications(cmd.OutOrStdout(), flagFormat, rows)
	},
}

type exportRow struct {
	Kind      string `json:"kind"`
	TxHash    string `json:"tx_hash"`
	Block     uint64 `json:"block"`
	LogIndex  uint   `json:"log_index"`
	Sender    string `json:"sender,omitempty"`
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	Previous  bool   `json:"previous"`
	CreatedAt string `json:"created_at"`
}

func writeNotifications(w io.Writer, format string, rows []storage.Notification) error {
	switch format {
	case "json":
		out := make([]exportRow, 0, len(rows))
		for _, n := range rows {
			out = append(out, exportRow{
				Kind:      n.Kind,
				TxHash:    n.TxHash,
				Block:     n.Block,
				LogIndex:  n.LogIndex,
				Sender:    n.Sender,
				Value:     n.Value,
				Error:     n.Error,
				Previous:  n.Previous,
				CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"kind", "tx_hash", "block", "log_index", "sender", "value", "error", "previous", "created_at"})
		for _, n := range rows {
			_ = cw.Write([]string{
				n.Kind,
				n.TxHash,
				strconv.FormatUint(n.Block, 10),
				strconv.FormatUint(uint64(n.LogIndex), 10),
				n.Sender,
				n.Value,
				n.Error,
				strconv.FormatBool(n.Previous),
				n.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported format %q (want json or csv)", format)
	}
}
