package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite existing files")
}

const sampleConfig = `version: 1
global:
  db_driver: sqlite
  db_path: ./event-relay.db
  key_mode: full
  sync_concurrency: 8
  rpc_timeout: 15s
  chain_retries: 2
webhook:
  timeout: 8s
  max_attempts: 3
  secret: ${WEBHOOK_SECRET}
projects:
  - id: market
    rpc_urls: ["${RPC_URL}"]
events:
  - project: market
    name: Listed
    signature: "event Listed(address indexed nft, uint256 indexed nftId, address indexed seller, uint256 price)"
    contract: "0xD68603215c4646386d2e0bE68a38027CE4a7652d"
    chain_id: 80001
    webhook_url: http://localhost:8000/webhook
    from_block: 25385681
    block_range: 2000
    filters:
      - "price >= 1e17"
`

const sampleEnv = `RPC_URL=wss://polygon-mumbai.example/ws
WEBHOOK_SECRET=change-me
`

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a sample config.yaml and .env",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for name, body := range map[string]string{"config.yaml": sampleConfig, ".env": sampleEnv} {
			path := filepath.Join(dir, name)
			if err := writeSample(path, body, flagInitForce); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", path)
		}
		return nil
	},
}

func writeSample(path, body string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o600)
}
