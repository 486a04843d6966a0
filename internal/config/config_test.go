package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/event-relay/internal/model"
)

const sampleConfig = `
version: 1
global:
  db_path: ./relay.db
  rpc_timeout: 5s
  chain_retries: 2
webhook:
  max_attempts: 3
  secret: ${WEBHOOK_SECRET}
projects:
  - id: market
    rpc_urls: ["${POLYGON_RPC}"]
contracts:
  - project: market
    address: "0xD68603215c4646386d2e0bE68a38027CE4a7652d"
    abi_file: abis/market.json
events:
  - project: market
    name: Listed
    signature: "event Listed(address indexed nft, uint256 indexed nftId, address indexed seller, uint256 price)"
    contract: "0xD68603215c4646386d2e0bE68a38027CE4a7652d"
    chain_id: 80001
    webhook_url: http://localhost:8000/webhook
    from_block: 25385681
`

const marketABI = `[{"type":"event","name":"Listed","anonymous":false,"inputs":[
  {"name":"nft","type":"address","indexed":true},
  {"name":"nftId","type":"uint256","indexed":true},
  {"name":"seller","type":"address","indexed":true},
  {"name":"price","type":"uint256","indexed":false}]}]`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "abis"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abis", "market.json"), []byte(marketABI), 0o644))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndInterpolates(t *testing.T) {
	t.Setenv("POLYGON_RPC", "https://rpc.example")
	t.Setenv("WEBHOOK_SECRET", "s3cr3t")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Global.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.Global.RPCTimeout)
	assert.Equal(t, 2, cfg.Global.ChainRetries)
	assert.Equal(t, string(model.KeyModeFull), cfg.Global.KeyMode)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, "s3cr3t", cfg.Webhook.Secret)
	assert.Equal(t, []string{"https://rpc.example"}, cfg.Projects[0].RPCURLs)

	require.Len(t, cfg.Events, 1)
	ev := cfg.Events[0]
	assert.Equal(t, "market/Listed", ev.ID)
	assert.Equal(t, model.DefaultBlockRange, ev.BlockRange)
	assert.Contains(t, ev.ABI, `"name":"Listed"`, "contract abi_file should be inherited")

	defs := cfg.EventModels()
	require.Len(t, defs, 1)
	assert.Equal(t, uint64(25385681), defs[0].FromBlock)
	assert.Equal(t, "market", cfg.ProjectModels()[0].Name)
}

func TestLoadMissingEnv(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLYGON_RPC")
}

func TestLoadReadsDotEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	env := "POLYGON_RPC=https://dotenv.example\nWEBHOOK_SECRET=x\n"
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(env), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("POLYGON_RPC")
		os.Unsetenv("WEBHOOK_SECRET")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example", cfg.Projects[0].RPCURLs[0])
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Version:  1,
			Projects: []Project{{ID: "p", RPCURLs: []string{"http://rpc"}}},
			Events: []Event{{
				Project:    "p",
				Name:       "Transfer",
				Signature:  "Transfer(address,address,uint256)",
				Contract:   "0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
				WebhookURL: "http://hook",
			}},
		}
		c.ApplyDefaults()
		return c
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no version", func(c *Config) { c.Version = 0 }, "version"},
		{"unknown project", func(c *Config) { c.Events[0].Project = "x" }, "unknown project"},
		{"bad address", func(c *Config) { c.Events[0].Contract = "0x123" }, "invalid contract"},
		{"no webhook", func(c *Config) { c.Events[0].WebhookURL = "" }, "webhook_url"},
		{"no signature", func(c *Config) { c.Events[0].Signature = "" }, "signature or abi"},
		{"bad key mode", func(c *Config) { c.Global.KeyMode = "tx" }, "key_mode"},
		{"postgres without dsn", func(c *Config) { c.Global.DBDriver = "postgres" }, "db_dsn"},
		{"duplicate name", func(c *Config) {
			dup := c.Events[0]
			dup.ID = "other"
			c.Events = append(c.Events, dup)
		}, "duplicate event name"},
		{"project without rpc", func(c *Config) { c.Projects[0].RPCURLs = nil }, "rpc url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}
