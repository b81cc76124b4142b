package certify

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file form of a CMTransport's settings plus what the
// commands need to reach NATS.
type Config struct {
	Name                               string
	RequestOld                         bool
	LedgerFile                         string
	SyncLedger                         bool
	RelayAgent                         string
	DefaultTimeLimit                   float64
	PublisherInactivityDiscardInterval int
	SweepInterval                      time.Duration

	NATSURL      string
	NKeySeedFile string
	LogLevel     string
}

// DefaultConfig returns the settings New uses without options.
func DefaultConfig() Config {
	return Config{
		RequestOld:    true,
		SweepInterval: DefaultSweepInterval,
		NATSURL:       "nats://127.0.0.1:4222",
		LogLevel:      "info",
	}
}

type fileConfig struct {
	Name                               string  `toml:"name"`
	RequestOld                         bool    `toml:"request_old"`
	LedgerFile                         string  `toml:"ledger_file"`
	SyncLedger                         bool    `toml:"sync_ledger"`
	RelayAgent                         string  `toml:"relay_agent"`
	DefaultTimeLimit                   float64 `toml:"default_time_limit"`
	PublisherInactivityDiscardInterval int     `toml:"publisher_inactivity_discard_interval"`
	SweepInterval                      string  `toml:"sweep_interval"`
	NATSURL                            string  `toml:"nats_url"`
	NKeySeedFile                       string  `toml:"nkey_seed_file"`
	LogLevel                           string  `toml:"log_level"`
}

// LoadConfig reads a TOML config file. Keys missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load certify config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load certify config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("request_old") {
		cfg.RequestOld = raw.RequestOld
	}
	if meta.IsDefined("ledger_file") {
		cfg.LedgerFile = strings.TrimSpace(raw.LedgerFile)
	}
	if meta.IsDefined("sync_ledger") {
		cfg.SyncLedger = raw.SyncLedger
	}
	if meta.IsDefined("relay_agent") {
		cfg.RelayAgent = strings.TrimSpace(raw.RelayAgent)
	}
	if meta.IsDefined("default_time_limit") {
		cfg.DefaultTimeLimit = raw.DefaultTimeLimit
	}
	if meta.IsDefined("publisher_inactivity_discard_interval") {
		cfg.PublisherInactivityDiscardInterval = raw.PublisherInactivityDiscardInterval
	}
	if meta.IsDefined("sweep_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SweepInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse sweep_interval: %w", err)
		}
		cfg.SweepInterval = d
	}
	if meta.IsDefined("nats_url") {
		cfg.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("nkey_seed_file") {
		cfg.NKeySeedFile = strings.TrimSpace(raw.NKeySeedFile)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

// Options converts the transport settings to options for New. Empty
// strings leave the corresponding option unset.
func (c Config) Options() []Option {
	opts := []Option{
		WithRequestOld(c.RequestOld),
		WithSyncLedger(c.SyncLedger),
		WithDefaultTimeLimit(c.DefaultTimeLimit),
		WithPublisherInactivityDiscardInterval(c.PublisherInactivityDiscardInterval),
	}
	if c.Name != "" {
		opts = append(opts, WithName(c.Name))
	}
	if c.LedgerFile != "" {
		opts = append(opts, WithLedgerFile(c.LedgerFile))
	}
	if c.RelayAgent != "" {
		opts = append(opts, WithRelayAgent(c.RelayAgent))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(c.SweepInterval))
	}
	return opts
}
