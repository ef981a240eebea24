package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/event-listener/internal/config"
	"github.com/devblac/event-listener/internal/decoder"
	"github.com/devblac/event-listener/internal/logging"
	"github.com/devblac/event-listener/internal/transport"
	"github.com/spf13/cobra"
)

const validateTimeout = 10 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and check the node connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.LoadOrEnv(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		dec, err := decoder.New(cfg.EventSignature)
		if err != nil {
			return fmt.Errorf("event signature invalid: %w", err)
		}
		fmt.Fprintf(out, "- event %s topic %s\n", dec.Signature(), dec.Topic().Hex())

		ctx, cancel := context.WithTimeout(cmd.Context(), validateTimeout)
		defer cancel()

		endpoint := cfg.Endpoint()
		endpoint.EventSignature = dec.Signature()
		node := transport.New(endpoint)
		defer node.Close()

		chainID, head, err := probeNode(ctx, node)
		if err != nil {
			fmt.Fprintf(out, "- node %s: ERROR %v\n", logging.RedactURL(cfg.NodeURL), err)
			return fmt.Errorf("validate: node %s unreachable", logging.RedactURL(cfg.NodeURL))
		}
		fmt.Fprintf(out, "- node %s: chainId %s head %d OK\n", logging.RedactURL(cfg.NodeURL), chainID, head)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// probeNode opens one connection, reads chain id and head, and checks that a
// log subscription is accepted.
func probeNode(ctx context.Context, node *transport.Transport) (string, uint64, error) {
	conn, err := node.Connect(ctx)
	if err != nil {
		return "", 0, err
	}
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		return "", 0, err
	}
	head, err := conn.BlockNumber(ctx)
	if err != nil {
		return "", 0, err
	}
	sub, err := conn.Subscribe(ctx, node.Endpoint().Filter())
	if err != nil {
		return "", 0, err
	}
	sub.Unsubscribe()
	return chainID.String(), head, nil
}
