package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1
node_url: ${NODE_URL}
contract_address: ${CONTRACT_ADDRESS}
event_signature: "NumberUpdatedEvent(address)"
reconnect_delay: 5s
query_timeout: 10s
log_level: info
db_path: ./event-listener.db

replay:
  enabled: false
  lookback_blocks: 0

sinks:
  - id: console
    type: console
  - id: history
    type: store
  # - id: slack_big_values
  #   type: slack
  #   webhook_url: ${SLACK_WEBHOOK_URL}
  #   where: ["kind == event", "value > 100"]
  #   rate_limit:
  #     capacity: 10
  #     per_second: 0.5
`

const sampleEnv = `NODE_URL=ws://127.0.0.1:8545
CONTRACT_ADDRESS=0x5FbDB2315678afecb367f032d93F642f64180aa3
# SLACK_WEBHOOK_URL=https://hooks.slack.com/services/...
`

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite existing files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config.yaml and .env.example",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		dir := filepath.Dir(cfgPath)
		files := []struct {
			path, body string
		}{
			{cfgPath, sampleConfig},
			{filepath.Join(dir, ".env.example"), sampleEnv},
		}
		for _, f := range files {
			written, err := writeScaffold(f.path, f.body, flagForce)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(out, "wrote %s\n", f.path)
			} else {
				fmt.Fprintf(out, "skipped %s (exists, use --force)\n", f.path)
			}
		}
		return nil
	},
}

func writeScaffold(path, body string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
