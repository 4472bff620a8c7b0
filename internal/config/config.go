// Package config loads the daemon's layered configuration: defaults,
// then a TOML file, then environment variables, with env taking final
// precedence over the file.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Home       string           `toml:"home"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Transcript TranscriptConfig `toml:"transcript"`
	Lease      LeaseConfig      `toml:"lease"`
	DAG        DAGConfig        `toml:"dag"`
	Loop       LoopConfig       `toml:"loop"`
	RPC        RPCConfig        `toml:"rpc"`
	Observer   ObserverConfig   `toml:"observer"`
	Categories map[string]CategoryConfig `toml:"categories"`
}

type SupervisorConfig struct {
	MaxConcurrent  int `toml:"max_concurrent"`
	LineBufferCap  int `toml:"line_buffer_cap"`
}

type TranscriptConfig struct {
	Root string `toml:"root"`
}

type LeaseConfig struct {
	DBPath           string `toml:"db_path"`
	DefaultTTLSecs   int    `toml:"default_ttl_secs"`
	DefaultMaxRenews int    `toml:"default_max_renewals"`
}

type DAGConfig struct {
	Driver           string `toml:"driver"` // "sqlite" or "postgres"
	DBPath           string `toml:"db_path"`
	PostgresDSN      string `toml:"postgres_dsn"`
}

type LoopConfig struct {
	StateDir         string `toml:"state_dir"`
	DefaultMaxIter   int    `toml:"default_max_iterations"`
}

type RPCConfig struct {
	SocketPath     string `toml:"socket_path"`
	RequestTimeout int    `toml:"request_timeout_secs"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// CategoryConfig mirrors descartes.CategoryDefaults for TOML decoding;
// internal/config stays independent of the root package so config can be
// loaded before anything else is wired up.
type CategoryConfig struct {
	Model string   `toml:"model"`
	Tools []string `toml:"tools"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	descartesHome := filepath.Join(home, ".descartes")

	return Config{
		Home: descartesHome,
		Supervisor: SupervisorConfig{
			MaxConcurrent: 8,
			LineBufferCap: 2000,
		},
		Transcript: TranscriptConfig{
			Root: filepath.Join(descartesHome, "transcripts"),
		},
		Lease: LeaseConfig{
			DBPath:           filepath.Join(descartesHome, "leases.db"),
			DefaultTTLSecs:   300,
			DefaultMaxRenews: 3,
		},
		DAG: DAGConfig{
			Driver: "sqlite",
			DBPath: filepath.Join(descartesHome, "dag.db"),
		},
		Loop: LoopConfig{
			StateDir:       filepath.Join(descartesHome, "loops"),
			DefaultMaxIter: 10,
		},
		RPC: RPCConfig{
			SocketPath:     filepath.Join(descartesHome, "descartes.sock"),
			RequestTimeout: 30,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "descartes.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("DESCARTES_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("DESCARTES_SOCKET"); v != "" {
		cfg.RPC.SocketPath = v
	}
	if v := os.Getenv("DESCARTES_DAG_DRIVER"); v != "" {
		cfg.DAG.Driver = v
	}
	if v := os.Getenv("DESCARTES_POSTGRES_DSN"); v != "" {
		cfg.DAG.PostgresDSN = v
	}
	if v := os.Getenv("DESCARTES_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
		cfg.Observer.Enabled = true
	}
	if os.Getenv("DESCARTES_OBSERVER_ENABLED") == "true" || os.Getenv("DESCARTES_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
