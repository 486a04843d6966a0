package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/engine"
)

const pingTimeout = 8 * time.Second

var flagSkipRPC bool

func init() {
	validateCmd.Flags().BoolVar(&flagSkipRPC, "offline", false, "Only check the config and event definitions")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, event definitions and RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		failures := validateEvents(out, cfg)
		if !flagSkipRPC {
			failures += pingProjects(cmd.Context(), out, cfg)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// validateEvents builds the decoder and filters of every event.
func validateEvents(out io.Writer, cfg *config.Config) int {
	failures := 0
	for _, def := range cfg.EventModels() {
		b, err := engine.NewBinding(def)
		if err != nil {
			failures++
			fmt.Fprintf(out, "- event %s: ERROR %v\n", def.ID, err)
			continue
		}
		fmt.Fprintf(out, "- event %s: %s topic %s OK\n", def.ID, b.Decoder.Signature(), b.Decoder.Topic().Hex())
	}
	return failures
}

// pingProjects checks every RPC url answers eth_chainId and matches the chain ids of its events.
func pingProjects(ctx context.Context, out io.Writer, cfg *config.Config) int {
	expected := map[string]uint64{}
	for _, e := range cfg.Events {
		if e.ChainID != 0 {
			expected[e.Project] = e.ChainID
		}
	}

	failures := 0
	for _, p := range cfg.Projects {
		for i, url := range p.RPCURLs {
			id, err := chainID(ctx, url)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- project %s rpc #%d: ERROR %v\n", p.ID, i, err)
				continue
			}
			if want, ok := expected[p.ID]; ok && want != id {
				failures++
				fmt.Fprintf(out, "- project %s rpc #%d: chainId %d, events expect %d\n", p.ID, i, id, want)
				continue
			}
			fmt.Fprintf(out, "- project %s rpc #%d: chainId %d OK\n", p.ID, i, id)
		}
	}
	return failures
}

func chainID(ctx context.Context, url string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}
	return id.Uint64(), nil
}
