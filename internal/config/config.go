package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cogrepo/cogrepo/internal/enrich"
)

// Config holds all application configuration.
type Config struct {
	DataDir         string        `json:"data_dir"`
	EnrichProvider  string        `json:"enrich_provider"`
	AnthropicModel  string        `json:"anthropic_model"`
	AnthropicAPIKey string        `json:"anthropic_api_key,omitempty"`
	EnrichCommand   string        `json:"enrich_command,omitempty"`
	EnrichWorkers   int           `json:"enrich_workers"`
	EnrichTimeout   time.Duration `json:"-"`
	MaxLineBytes    int           `json:"max_line_bytes"`
	SyncInterval    time.Duration `json:"-"`
	WatchDebounce   time.Duration `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	return Config{
		DataDir:        filepath.Join(home, ".cogrepo"),
		EnrichProvider: enrich.ProviderAnthropic,
		AnthropicModel: enrich.DefaultModel,
		EnrichWorkers:  4,
		EnrichTimeout:  2 * time.Minute,
		MaxLineBytes:   64 << 20,
		SyncInterval:   15 * time.Minute,
		WatchDebounce:  2 * time.Second,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir decides where config.json lives, so it is
	// resolved before the file is read.
	if v := os.Getenv("COGREPO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if fs != nil {
		if f := fs.Lookup("data-dir"); f != nil && isSet(fs, "data-dir") {
			cfg.DataDir = f.Value.String()
		}
	}

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file and env,
// without looking at CLI flags. Use this for subcommands that
// manage their own flag sets.
func LoadMinimal() (Config, error) {
	return Load(nil)
}

func isSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// RegistryPath is the archive registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "archives.json")
}

// LedgerPath is the processing ledger file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.json")
}

// OutputPath is the append-only JSONL of enriched conversations.
func (c *Config) OutputPath() string {
	return filepath.Join(c.DataDir, "conversations.jsonl")
}

// CatalogPath is the SQLite catalog.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// LockPath is the file locked for the duration of a mutating
// command.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "cogrepo.lock")
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// EnrichOptions returns the options for enrich.New.
func (c *Config) EnrichOptions() enrich.Options {
	return enrich.Options{
		Provider: c.EnrichProvider,
		APIKey:   c.AnthropicAPIKey,
		Model:    c.AnthropicModel,
		Command:  c.EnrichCommand,
	}
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		EnrichProvider  string `json:"enrich_provider"`
		AnthropicModel  string `json:"anthropic_model"`
		AnthropicAPIKey string `json:"anthropic_api_key"`
		EnrichCommand   string `json:"enrich_command"`
		EnrichWorkers   int    `json:"enrich_workers"`
		EnrichTimeout   string `json:"enrich_timeout"`
		MaxLineBytes    int    `json:"max_line_bytes"`
		SyncInterval    string `json:"sync_interval"`
		WatchDebounce   string `json:"watch_debounce"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.EnrichProvider != "" {
		c.EnrichProvider = file.EnrichProvider
	}
	if file.AnthropicModel != "" {
		c.AnthropicModel = file.AnthropicModel
	}
	if file.AnthropicAPIKey != "" {
		c.AnthropicAPIKey = file.AnthropicAPIKey
	}
	if file.EnrichCommand != "" {
		c.EnrichCommand = file.EnrichCommand
	}
	if file.EnrichWorkers != 0 {
		c.EnrichWorkers = file.EnrichWorkers
	}
	if file.MaxLineBytes != 0 {
		c.MaxLineBytes = file.MaxLineBytes
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"enrich_timeout", file.EnrichTimeout, &c.EnrichTimeout},
		{"sync_interval", file.SyncInterval, &c.SyncInterval},
		{"watch_debounce", file.WatchDebounce, &c.WatchDebounce},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	if v := os.Getenv("COGREPO_ENRICH_PROVIDER"); v != "" {
		c.EnrichProvider = v
	}
	if v := os.Getenv("COGREPO_ENRICH_COMMAND"); v != "" {
		c.EnrichCommand = v
	}
	if v := os.Getenv("COGREPO_ANTHROPIC_MODEL"); v != "" {
		c.AnthropicModel = v
	}
	if v := os.Getenv("COGREPO_ENRICH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COGREPO_ENRICH_WORKERS: %w", err)
		}
		c.EnrichWorkers = n
	}
	if v := os.Getenv("COGREPO_ENRICH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COGREPO_ENRICH_TIMEOUT: %w", err)
		}
		c.EnrichTimeout = d
	}
	return nil
}

// RegisterFlags registers the flags shared by every command on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("data-dir", "", "Data directory (default ~/.cogrepo)")
	fs.String(
		"provider", "",
		"Enrichment provider: anthropic, command or none",
	)
	fs.Int("workers", 0, "Concurrent enrichment calls")
	fs.Duration(
		"enrich-timeout", 0,
		"Timeout for one enrichment call",
	)
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = f.Value.String()
		case "provider":
			cfg.EnrichProvider = f.Value.String()
		case "workers":
			// flag already validated the int; ignore parse error
			cfg.EnrichWorkers, _ = strconv.Atoi(f.Value.String())
		case "enrich-timeout":
			if g, ok := f.Value.(flag.Getter); ok {
				if d, ok := g.Get().(time.Duration); ok {
					cfg.EnrichTimeout = d
					return
				}
			}
			err = fmt.Errorf("invalid -enrich-timeout %q", f.Value)
		}
	})
	return err
}

// Validate rejects values the sync engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	switch c.EnrichProvider {
	case enrich.ProviderAnthropic, enrich.ProviderCommand,
		enrich.ProviderNone, "":
	default:
		return fmt.Errorf(
			"unknown enrich_provider %q", c.EnrichProvider,
		)
	}
	if c.EnrichWorkers < 1 {
		return fmt.Errorf(
			"enrich_workers must be at least 1, got %d",
			c.EnrichWorkers,
		)
	}
	if c.EnrichTimeout <= 0 {
		return fmt.Errorf(
			"enrich_timeout must be positive, got %s",
			c.EnrichTimeout,
		)
	}
	if c.MaxLineBytes < 1024 {
		return fmt.Errorf(
			"max_line_bytes must be at least 1024, got %d",
			c.MaxLineBytes,
		)
	}
	return nil
}

// ResolveDataDir returns the effective data directory by applying
// defaults and environment overrides, without reading any files.
func ResolveDataDir() (string, error) {
	cfg, err := Default()
	if err != nil {
		return "", err
	}
	if v := os.Getenv("COGREPO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return cfg.DataDir, nil
}
