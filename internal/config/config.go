// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/battlewatch/tracker/internal/batch"
	"github.com/battlewatch/tracker/internal/schedule"
	"github.com/battlewatch/tracker/internal/tracker"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	Realms    map[string]RealmConfig `mapstructure:"realms"`
	Clients   ClientsConfig          `mapstructure:"clients"`
	Ingest    IngestConfig           `mapstructure:"ingest"`
	DB        DBConfig               `mapstructure:"db"`
	Recovery  RecoveryConfig         `mapstructure:"recovery"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs batch leasing behavior.
type SchedulerConfig struct {
	LeaseTimeoutSeconds int  `mapstructure:"lease_timeout_seconds"`
	BatchSize           int  `mapstructure:"batch_size"`
	ExtraTasks          int  `mapstructure:"extra_tasks"`
	RefillIntervalMs    int  `mapstructure:"refill_interval_ms"`
	Expand              bool `mapstructure:"expand"`
}

// RealmConfig is one realm's account-id bounds.
type RealmConfig struct {
	StartAccount int64 `mapstructure:"start_account"`
	MaxAccount   int64 `mapstructure:"max_account"`
}

// ClientsConfig holds the per-client capacity policy table and the address
// allow/deny lists.
type ClientsConfig struct {
	Policies     map[string]PolicyEntryConfig `mapstructure:"policies"`
	UseAllowList bool                         `mapstructure:"use_allowlist"`
	AllowList    []string                     `mapstructure:"allowlist"`
	DenyList     []string                     `mapstructure:"denylist"`
}

// PolicyEntryConfig maps a set of addresses to an application key and a
// throttle.
type PolicyEntryConfig struct {
	Key       string   `mapstructure:"key"`
	Throttle  int      `mapstructure:"throttle"`
	Addresses []string `mapstructure:"addresses"`
}

// IngestConfig sizes the ingestion pool and its error side-channel.
type IngestConfig struct {
	Workers      int    `mapstructure:"workers"`
	QueueDepth   int    `mapstructure:"queue_depth"`
	ErrorDumpDir string `mapstructure:"error_dump_dir"`
}

// DBConfig controls access to the player database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RecoveryConfig locates the snapshot file and tunes aggressive recovery.
type RecoveryConfig struct {
	Path                    string `mapstructure:"path"`
	AggressiveWindowSeconds int64  `mapstructure:"aggressive_window_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.lease_timeout_seconds", 15)
	v.SetDefault("scheduler.batch_size", batch.DefaultSize)
	v.SetDefault("scheduler.extra_tasks", 5)
	v.SetDefault("scheduler.refill_interval_ms", 500)
	v.SetDefault("scheduler.expand", true)
	v.SetDefault("realms.xbox.start_account", 5000)
	v.SetDefault("realms.xbox.max_account", 13325000)
	v.SetDefault("realms.ps4.start_account", 1073740000)
	v.SetDefault("realms.ps4.max_account", 1080500000)
	v.SetDefault("clients.policies.catchall.key", "demo")
	v.SetDefault("clients.policies.catchall.throttle", 10)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_depth", 256)
	v.SetDefault("ingest.error_dump_dir", "errors")
	v.SetDefault("recovery.path", "tracker.snapshot")
	v.SetDefault("recovery.aggressive_window_seconds", 172800)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.lease_timeout_seconds must be > 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be > 0")
	}
	if c.Ingest.QueueDepth <= 0 {
		return fmt.Errorf("ingest.queue_depth must be > 0")
	}
	for name, realm := range c.Realms {
		if !tracker.Realm(name).Valid() {
			return fmt.Errorf("realms.%s: unknown realm", name)
		}
		if realm.MaxAccount < realm.StartAccount {
			return fmt.Errorf("realms.%s: max_account %d before start_account %d",
				name, realm.MaxAccount, realm.StartAccount)
		}
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("clients: %w", err)
	}
	return nil
}

// LeaseTimeout converts the configured lease timeout into a duration.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Scheduler.LeaseTimeoutSeconds) * time.Second
}

// RefillInterval converts the session top-up interval into a duration.
func (c Config) RefillInterval() time.Duration {
	return time.Duration(c.Scheduler.RefillIntervalMs) * time.Millisecond
}

// RealmRanges returns the configured realm bounds in enumeration order:
// xbox first, then ps4.
func (c Config) RealmRanges() []batch.RealmRange {
	var ranges []batch.RealmRange
	for _, realm := range []tracker.Realm{tracker.RealmXbox, tracker.RealmPS4} {
		rc, ok := c.Realms[string(realm)]
		if !ok {
			continue
		}
		ranges = append(ranges, batch.RealmRange{
			Realm: realm,
			Start: rc.StartAccount,
			End:   rc.MaxAccount,
		})
	}
	return ranges
}

// Policy converts the clients section into the scheduler's policy table.
func (c Config) Policy() *schedule.ClientPolicy {
	entries := make(map[string]schedule.PolicyEntry, len(c.Clients.Policies))
	for name, e := range c.Clients.Policies {
		entries[name] = schedule.PolicyEntry{
			Key:       e.Key,
			Throttle:  e.Throttle,
			Addresses: append([]string(nil), e.Addresses...),
		}
	}
	return &schedule.ClientPolicy{
		Entries:      entries,
		ExtraTasks:   c.Scheduler.ExtraTasks,
		UseAllowList: c.Clients.UseAllowList,
		AllowList:    append([]string(nil), c.Clients.AllowList...),
		DenyList:     append([]string(nil), c.Clients.DenyList...),
	}
}
