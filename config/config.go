// Package config owns the facetd configuration schema. Load applies defaults,
// then the YAML file, then environment overrides, then validates. The master
// key and OAuth secrets are environment-only so they never land in a file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full facetd configuration.
	Config struct {
		// HTTPAddr is the public listen address.
		HTTPAddr string `yaml:"http_addr"`
		// DebugAddr serves health, debug and pprof.
		DebugAddr string `yaml:"debug_addr"`
		// PublicBaseURL is where providers deliver webhooks, no trailing
		// slash.
		PublicBaseURL string `yaml:"public_base_url"`

		Redis  Redis  `yaml:"redis"`
		Mongo  Mongo  `yaml:"mongo"`
		SQLite SQLite `yaml:"sqlite"`

		// MasterKeySecret derives the envelope master key. Environment only
		// (FACET_MASTER_KEY).
		MasterKeySecret string `yaml:"-"`
		// OAuthStateSecret signs the OAuth state nonce. Environment only
		// (FACET_OAUTH_STATE_SECRET).
		OAuthStateSecret string `yaml:"-"`

		Google    OAuthApp `yaml:"google"`
		Microsoft OAuthApp `yaml:"microsoft"`

		// SolverEndpoint is the optional external scheduling solver.
		SolverEndpoint string `yaml:"solver_endpoint"`

		Queues Queues `yaml:"queues"`
		Sweeps Sweeps `yaml:"sweeps"`

		// ReconcileCron is the reconcile worker's schedule.
		ReconcileCron string `yaml:"reconcile_cron"`
	}

	// Redis locates the Redis instance backing queues, the replicated
	// registry, and distributed tickers.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"-"` // FACET_REDIS_PASSWORD
		DB       int    `yaml:"db"`
	}

	// Mongo locates the user graph store. An empty URI selects the in-memory
	// store (single node, data lost on restart).
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// SQLite locates the per-account state database.
	SQLite struct {
		// Path is the database file. Defaults to facet-accounts.db in the
		// working directory; ":memory:" keeps it ephemeral.
		Path string `yaml:"path"`
	}

	// OAuthApp is one provider's OAuth client. Secrets come from the
	// environment (FACET_GOOGLE_CLIENT_SECRET, FACET_MICROSOFT_CLIENT_SECRET).
	OAuthApp struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"-"`
	}

	// Queues names the sync and write streams.
	Queues struct {
		Sync  string `yaml:"sync"`
		Write string `yaml:"write"`
	}

	// Sweeps sets the background loop intervals.
	Sweeps struct {
		ChannelRenewal time.Duration `yaml:"channel_renewal"`
		HoldExpiry     time.Duration `yaml:"hold_expiry"`
	}
)

// Defaults applied before the file and environment are read.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultDebugAddr     = ":8081"
	DefaultRedisAddr     = "localhost:6379"
	DefaultSQLitePath    = "facet-accounts.db"
	DefaultSyncQueue     = "facet-sync"
	DefaultWriteQueue    = "facet-write"
	DefaultReconcileCron = "15 3 * * *"
)

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Config{
		HTTPAddr:  DefaultHTTPAddr,
		DebugAddr: DefaultDebugAddr,
		Redis:     Redis{Addr: DefaultRedisAddr},
		SQLite:    SQLite{Path: DefaultSQLitePath},
		Queues:    Queues{Sync: DefaultSyncQueue, Write: DefaultWriteQueue},
		Sweeps: Sweeps{
			ChannelRenewal: 30 * time.Minute,
			HoldExpiry:     5 * time.Minute,
		},
		ReconcileCron: DefaultReconcileCron,
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.HTTPAddr, "FACET_HTTP_ADDR")
	setStr(&c.DebugAddr, "FACET_DEBUG_ADDR")
	setStr(&c.PublicBaseURL, "FACET_PUBLIC_BASE_URL")
	setStr(&c.Redis.Addr, "FACET_REDIS_ADDR")
	setStr(&c.Redis.Password, "FACET_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "FACET_REDIS_DB")
	setStr(&c.Mongo.URI, "FACET_MONGO_URI")
	setStr(&c.Mongo.Database, "FACET_MONGO_DATABASE")
	setStr(&c.SQLite.Path, "FACET_SQLITE_PATH")
	setStr(&c.MasterKeySecret, "FACET_MASTER_KEY")
	setStr(&c.OAuthStateSecret, "FACET_OAUTH_STATE_SECRET")
	setStr(&c.Google.ClientID, "FACET_GOOGLE_CLIENT_ID")
	setStr(&c.Google.ClientSecret, "FACET_GOOGLE_CLIENT_SECRET")
	setStr(&c.Microsoft.ClientID, "FACET_MICROSOFT_CLIENT_ID")
	setStr(&c.Microsoft.ClientSecret, "FACET_MICROSOFT_CLIENT_SECRET")
	setStr(&c.SolverEndpoint, "FACET_SOLVER_ENDPOINT")
	setStr(&c.Queues.Sync, "FACET_SYNC_QUEUE")
	setStr(&c.Queues.Write, "FACET_WRITE_QUEUE")
	setStr(&c.ReconcileCron, "FACET_RECONCILE_CRON")
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if c.MasterKeySecret == "" {
		return errors.New("FACET_MASTER_KEY is required")
	}
	if c.OAuthStateSecret == "" {
		return errors.New("FACET_OAUTH_STATE_SECRET is required")
	}
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return errors.New("google oauth client id and secret are required")
	}
	if c.Microsoft.ClientID == "" || c.Microsoft.ClientSecret == "" {
		return errors.New("microsoft oauth client id and secret are required")
	}
	if c.Queues.Sync == "" || c.Queues.Write == "" {
		return errors.New("queue names are required")
	}
	if c.Sweeps.ChannelRenewal <= 0 || c.Sweeps.HoldExpiry <= 0 {
		return errors.New("sweep intervals must be positive")
	}
	return nil
}

func setStr(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
