package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/meltforce/repform/internal/phase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Local     LocalConfig     `yaml:"local"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// Enabled selects Postgres. When false only the local journal is used.
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
}

type AnalysisConfig struct {
	SkillMode    phase.SkillMode `yaml:"skill_mode"`
	TargetFPS    float64         `yaml:"target_fps"`
	MaxFPS       float64         `yaml:"max_fps"`
	StateTimeout time.Duration   `yaml:"state_timeout"`
	PerfectScore float64         `yaml:"perfect_score"`
	// Catalog is an optional exercise catalog merged over the built-in one.
	Catalog      string        `yaml:"catalog"`
	History      HistoryConfig `yaml:"history"`
	Compute      ComputeConfig `yaml:"compute"`
	NoPoseFrames int           `yaml:"no_pose_frames"`
}

type HistoryConfig struct {
	Transitions int `yaml:"transitions"`
	Errors      int `yaml:"errors"`
	Scores      int `yaml:"scores"`
}

type ComputeConfig struct {
	Workers  int           `yaml:"workers"`
	Queue    int           `yaml:"queue"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type LocalConfig struct {
	// StateDir holds the SQLite journal.
	StateDir string `yaml:"state_dir"`
}

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// Load reads config from a YAML file, then applies environment variable overrides.
// A .env file in the working directory is loaded first if present; it
// never overrides variables that are already set.
// Env vars use the prefix REPFORM_ and underscore-separated paths:
//
//	REPFORM_SERVER_HOST, REPFORM_SERVER_PORT,
//	REPFORM_DB_ENABLED, REPFORM_DB_HOST, REPFORM_DB_PORT, REPFORM_DB_NAME,
//	REPFORM_DB_USER, REPFORM_DB_PASSWORD, REPFORM_DB_SSLMODE,
//	REPFORM_AUTH_API_KEY,
//	REPFORM_TAILSCALE_ENABLED, REPFORM_TAILSCALE_HOSTNAME,
//	REPFORM_SKILL_MODE, REPFORM_TARGET_FPS, REPFORM_STATE_DIR
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("REPFORM_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("REPFORM_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REPFORM_DB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Database.Enabled = b
		}
	}
	if v := os.Getenv("REPFORM_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("REPFORM_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("REPFORM_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("REPFORM_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("REPFORM_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("REPFORM_DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("REPFORM_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("REPFORM_TAILSCALE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tailscale.Enabled = b
		}
	}
	if v := os.Getenv("REPFORM_TAILSCALE_HOSTNAME"); v != "" {
		cfg.Tailscale.Hostname = v
	}
	if v := os.Getenv("REPFORM_SKILL_MODE"); v != "" {
		mode, err := phase.ParseSkillMode(v)
		if err != nil {
			return fmt.Errorf("REPFORM_SKILL_MODE: %w", err)
		}
		cfg.Analysis.SkillMode = mode
	}
	if v := os.Getenv("REPFORM_TARGET_FPS"); v != "" {
		if fps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.TargetFPS = fps
		}
	}
	if v := os.Getenv("REPFORM_STATE_DIR"); v != "" {
		cfg.Local.StateDir = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	a := &c.Analysis
	if a.TargetFPS == 0 {
		a.TargetFPS = 30
	}
	if a.MaxFPS == 0 {
		a.MaxFPS = 60
	}
	if a.StateTimeout == 0 {
		a.StateTimeout = phase.DefaultTimeout
	}
	if a.PerfectScore == 0 {
		a.PerfectScore = 0.85
	}
	if a.History.Transitions == 0 {
		a.History.Transitions = 50
	}
	if a.History.Errors == 0 {
		a.History.Errors = 50
	}
	if a.History.Scores == 0 {
		a.History.Scores = 20
	}
	if c.Local.StateDir == "" {
		c.Local.StateDir = "state"
	}
	if c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = "repform"
	}
}

func (c *Config) validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Port == 0 {
			return fmt.Errorf("database.port is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if c.Analysis.MaxFPS < c.Analysis.TargetFPS {
		return fmt.Errorf("analysis.max_fps (%g) must not be below analysis.target_fps (%g)",
			c.Analysis.MaxFPS, c.Analysis.TargetFPS)
	}
	if s := c.Analysis.PerfectScore; s <= 0 || s > 1 {
		return fmt.Errorf("analysis.perfect_score must be in (0, 1], got %g", s)
	}
	return nil
}
