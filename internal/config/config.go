package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devblac/event-relay/internal/model"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int           `yaml:"version"`
	Global    GlobalConfig  `yaml:"global"`
	Webhook   WebhookConfig `yaml:"webhook"`
	Projects  []Project     `yaml:"projects"`
	Contracts []Contract    `yaml:"contracts"`
	Events    []Event       `yaml:"events"`
}

type GlobalConfig struct {
	DBDriver              string        `yaml:"db_driver"`
	DBPath                string        `yaml:"db_path"`
	DBDSN                 string        `yaml:"db_dsn"`
	KeyMode               string        `yaml:"key_mode"`
	SyncConcurrency       int           `yaml:"sync_concurrency"`
	RPCTimeout            time.Duration `yaml:"rpc_timeout"`
	ChainRetries          int           `yaml:"chain_retries"`
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
	DropNamespaceOnRemove bool          `yaml:"drop_namespace_on_remove"`
}

type WebhookConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	Secret          string        `yaml:"secret"`
	SignatureHeader string        `yaml:"signature_header"`
}

type Project struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	RPCURLs           []string `yaml:"rpc_urls"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// Contract shares an address and ABI file between the events declared on it.
type Contract struct {
	Project string `yaml:"project"`
	Address string `yaml:"address"`
	ABIFile string `yaml:"abi_file"`
}

type Event struct {
	ID         string `yaml:"id"`
	Project    string `yaml:"project"`
	Name       string `yaml:"name"`
	Signature  string `yaml:"signature"`
	Contract   string `yaml:"contract"`
	ChainID    uint64 `yaml:"chain_id"`
	WebhookURL string `yaml:"webhook_url"`
	FromBlock  uint64 `yaml:"from_block"`
	BlockRange uint64 `yaml:"block_range"`
	ABI        string `yaml:"abi"`
	ABIFile    string `yaml:"abi_file"`
	// Filters gate webhook delivery, e.g. "price >= 1e18". Records are stored regardless.
	Filters []string `yaml:"filters"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.resolveABIFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills zero values with the runtime defaults.
func (c *Config) ApplyDefaults() {
	g := &c.Global
	if g.DBDriver == "" {
		g.DBDriver = "sqlite"
	}
	if g.DBPath == "" {
		g.DBPath = "event-relay.db"
	}
	if g.KeyMode == "" {
		g.KeyMode = string(model.KeyModeFull)
	}
	if g.SyncConcurrency <= 0 {
		g.SyncConcurrency = 8
	}
	if g.RPCTimeout <= 0 {
		g.RPCTimeout = 15 * time.Second
	}
	if g.ChainRetries < 0 {
		g.ChainRetries = 0
	}
	if g.RetryBackoff <= 0 {
		g.RetryBackoff = 500 * time.Millisecond
	}

	w := &c.Webhook
	if w.Timeout <= 0 {
		w.Timeout = 8 * time.Second
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 1
	}
	if w.InitialDelay <= 0 {
		w.InitialDelay = time.Second
	}
	if w.MaxDelay <= 0 {
		w.MaxDelay = time.Minute
	}
	if w.Workers <= 0 {
		w.Workers = 4
	}
	if w.QueueSize <= 0 {
		w.QueueSize = 1024
	}

	for i := range c.Events {
		e := &c.Events[i]
		if e.ID == "" {
			e.ID = e.Project + "/" + e.Name
		}
		if e.BlockRange == 0 {
			e.BlockRange = model.DefaultBlockRange
		}
	}
}

// resolveABIFiles reads ABI files referenced by events or their contracts, relative to the config dir.
func (c *Config) resolveABIFiles(baseDir string) error {
	contractABI := map[string]string{}
	for _, ct := range c.Contracts {
		if ct.ABIFile == "" {
			continue
		}
		data, err := readRelative(baseDir, ct.ABIFile)
		if err != nil {
			return fmt.Errorf("contract %s abi: %w", ct.Address, err)
		}
		contractABI[contractKey(ct.Project, ct.Address)] = data
	}

	for i := range c.Events {
		e := &c.Events[i]
		if e.ABI != "" {
			continue
		}
		if e.ABIFile != "" {
			data, err := readRelative(baseDir, e.ABIFile)
			if err != nil {
				return fmt.Errorf("event %s abi: %w", e.ID, err)
			}
			e.ABI = data
			continue
		}
		if data, ok := contractABI[contractKey(e.Project, e.Contract)]; ok {
			e.ABI = data
		}
	}
	return nil
}

func readRelative(baseDir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func contractKey(project, address string) string {
	return project + "|" + strings.ToLower(address)
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Projects) == 0 {
		return errors.New("at least one project is required")
	}

	switch strings.ToLower(c.Global.DBDriver) {
	case "sqlite":
		if c.Global.DBPath == "" {
			return errors.New("global.db_path is required for sqlite")
		}
	case "postgres":
		if c.Global.DBDSN == "" {
			return errors.New("global.db_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported db_driver: %s", c.Global.DBDriver)
	}
	if _, err := model.ParseKeyMode(c.Global.KeyMode); err != nil {
		return fmt.Errorf("global.key_mode: %w", err)
	}

	projectIDs := map[string]struct{}{}
	for _, p := range c.Projects {
		if _, exists := projectIDs[p.ID]; exists {
			return fmt.Errorf("duplicate project id: %s", p.ID)
		}
		projectIDs[p.ID] = struct{}{}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
	}

	for _, ct := range c.Contracts {
		if _, ok := projectIDs[ct.Project]; !ok {
			return fmt.Errorf("contract %s: unknown project: %s", ct.Address, ct.Project)
		}
		if !isHexAddress(ct.Address) {
			return fmt.Errorf("contract %s: invalid address", ct.Address)
		}
	}

	eventIDs := map[string]struct{}{}
	names := map[string]struct{}{}
	for _, e := range c.Events {
		if err := e.Validate(projectIDs); err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
		if _, exists := eventIDs[e.ID]; exists {
			return fmt.Errorf("duplicate event id: %s", e.ID)
		}
		eventIDs[e.ID] = struct{}{}
		nameKey := e.Project + "|" + e.Name
		if _, exists := names[nameKey]; exists {
			return fmt.Errorf("duplicate event name %s in project %s", e.Name, e.Project)
		}
		names[nameKey] = struct{}{}
	}

	return nil
}

func (p *Project) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if len(p.RPCURLs) == 0 {
		return errors.New("at least one rpc url is required")
	}
	for _, u := range p.RPCURLs {
		if strings.TrimSpace(u) == "" {
			return errors.New("rpc url must not be empty")
		}
	}
	if p.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must not be negative")
	}
	return nil
}

func (e *Event) Validate(projectIDs map[string]struct{}) error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	if e.Project == "" {
		return errors.New("project is required")
	}
	if _, ok := projectIDs[e.Project]; !ok {
		return fmt.Errorf("unknown project: %s", e.Project)
	}
	if e.Signature == "" && e.ABI == "" {
		return errors.New("signature or abi is required")
	}
	if !isHexAddress(e.Contract) {
		return fmt.Errorf("invalid contract address: %q", e.Contract)
	}
	if e.WebhookURL == "" {
		return errors.New("webhook_url is required")
	}
	if e.BlockRange == 0 {
		return errors.New("block_range must be greater than zero")
	}
	return nil
}

// ProjectModels converts configured projects into engine models.
func (c *Config) ProjectModels() []model.Project {
	out := make([]model.Project, 0, len(c.Projects))
	for _, p := range c.Projects {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		out = append(out, model.Project{
			ID:                p.ID,
			Name:              name,
			RPCURLs:           append([]string(nil), p.RPCURLs...),
			RequestsPerSecond: p.RequestsPerSecond,
		})
	}
	return out
}

// EventModels converts configured events into engine definitions.
func (c *Config) EventModels() []model.EventDefinition {
	out := make([]model.EventDefinition, 0, len(c.Events))
	for _, e := range c.Events {
		out = append(out, model.EventDefinition{
			ID:         e.ID,
			Project:    e.Project,
			Name:       e.Name,
			Signature:  e.Signature,
			Contract:   e.Contract,
			ChainID:    e.ChainID,
			WebhookURL: e.WebhookURL,
			FromBlock:  e.FromBlock,
			BlockRange: e.BlockRange,
			ABI:        e.ABI,
			Filters:    append([]string(nil), e.Filters...),
		})
	}
	return out
}

func isHexAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
