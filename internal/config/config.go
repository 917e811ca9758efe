package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	// InsecureDevMode relaxes the token-secret requirement for local-only
	// development. Never enable this in shared or production environments.
	InsecureDevMode bool            `yaml:"insecure_dev_mode"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	Auth            AuthConfig      `yaml:"auth"`
	Janitor         JanitorConfig   `yaml:"janitor"`
	Assistant       AssistantConfig `yaml:"assistant"`
	API             APIConfig       `yaml:"api"`

	// Derived roots, resolved from DataDir unless set explicitly.
	WorkspaceRoot string `yaml:"workspace_root"`
	ReposRoot     string `yaml:"repos_root"`
}

type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	CancelGrace   time.Duration `yaml:"cancel_grace"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type AuthConfig struct {
	PasswdPath     string        `yaml:"passwd_path"`
	ShadowPath     string        `yaml:"shadow_path"`
	TokenSecret    string        `yaml:"token_secret"`
	TokenSecretEnv string        `yaml:"token_secret_env"`
	TokenLifetime  time.Duration `yaml:"token_lifetime"`
}

type JanitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	UploadRetention time.Duration `yaml:"upload_retention"`
}

type AssistantConfig struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	SessionRoot string   `yaml:"session_root"`
	// IndexerCommand is optional; empty disables semantic index builds.
	IndexerCommand string `yaml:"indexer_command"`
}

type APIConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type GitAuthConfig struct {
	Type string `yaml:"type" json:"type"` // "ssh" or "https"

	SSHKeyPath          string `yaml:"ssh_key_path" json:"ssh_key_path,omitempty"`
	SSHKeyEnv           string `yaml:"ssh_key_env" json:"ssh_key_env,omitempty"`
	SSHKeyPassphraseEnv string `yaml:"ssh_key_passphrase_env" json:"ssh_key_passphrase_env,omitempty"`
	SSHKnownHostsPath   string `yaml:"ssh_known_hosts_path" json:"ssh_known_hosts_path,omitempty"`
	// SSHInsecureIgnoreHostKey disables host key verification.
	// WARNING: This allows man-in-the-middle attacks. Only use for testing
	// or when connecting to hosts with frequently changing keys.
	SSHInsecureIgnoreHostKey bool `yaml:"ssh_insecure_ignore_host_key" json:"ssh_insecure_ignore_host_key,omitempty"`

	HTTPSUsername string `yaml:"https_username" json:"https_username,omitempty"`
	HTTPSToken    string `yaml:"https_token" json:"-"`
	HTTPSTokenEnv string `yaml:"https_token_env" json:"https_token_env,omitempty"`
}

const (
	minTokenLifetime = time.Minute
	minJobTimeout    = time.Second
	minJanitorEvery  = time.Second
)

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:    "./data",
		ListenAddr: ":8080",
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			JobTimeout:    5 * time.Minute,
			CancelGrace:   5 * time.Second,
			DrainTimeout:  30 * time.Second,
		},
		Auth: AuthConfig{
			TokenLifetime: time.Hour,
		},
		Janitor: JanitorConfig{
			Interval:        5 * time.Minute,
			UploadRetention: 24 * time.Hour,
		},
	}

	if path == "" {
		return applyDefaults(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyDefaults(cfg)
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return applyDefaults(cfg)
}

// TokenSecret resolves the signing secret, preferring the environment
// variable indirection when configured.
func (c *Config) TokenSecret() string {
	if c.Auth.TokenSecretEnv != "" {
		if v := os.Getenv(c.Auth.TokenSecretEnv); v != "" {
			return v
		}
	}
	return c.Auth.TokenSecret
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.DataDir, "jobs")
	}
	if cfg.ReposRoot == "" {
		cfg.ReposRoot = filepath.Join(cfg.DataDir, "repos")
	}
	// Roots are used from goroutines with varying working directories.
	for _, p := range []*string{&cfg.WorkspaceRoot, &cfg.ReposRoot} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", *p, err)
		}
		*p = abs
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		cfg.Scheduler.MaxConcurrent = 4
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 5 * time.Minute
	}
	if cfg.Scheduler.JobTimeout < minJobTimeout {
		return nil, fmt.Errorf("scheduler.job_timeout must be at least %s", minJobTimeout)
	}
	if cfg.Scheduler.CancelGrace < 0 {
		return nil, fmt.Errorf("scheduler.cancel_grace must not be negative")
	}
	if cfg.Scheduler.DrainTimeout == 0 {
		cfg.Scheduler.DrainTimeout = 30 * time.Second
	}
	if cfg.Auth.PasswdPath == "" {
		cfg.Auth.PasswdPath = filepath.Join(cfg.DataDir, "auth", "passwd")
	}
	if cfg.Auth.ShadowPath == "" {
		cfg.Auth.ShadowPath = filepath.Join(cfg.DataDir, "auth", "shadow")
	}
	if cfg.Auth.TokenLifetime == 0 {
		cfg.Auth.TokenLifetime = time.Hour
	}
	if cfg.Auth.TokenLifetime < minTokenLifetime {
		return nil, fmt.Errorf("auth.token_lifetime must be at least %s", minTokenLifetime)
	}
	if cfg.TokenSecret() == "" && !cfg.InsecureDevMode {
		return nil, fmt.Errorf("auth.token_secret (or auth.token_secret_env) is required")
	}
	if cfg.Janitor.Interval == 0 {
		cfg.Janitor.Interval = 5 * time.Minute
	}
	if cfg.Janitor.Interval < minJanitorEvery {
		return nil, fmt.Errorf("janitor.interval must be at least %s", minJanitorEvery)
	}
	if cfg.Janitor.UploadRetention == 0 {
		cfg.Janitor.UploadRetention = 24 * time.Hour
	}
	if cfg.Assistant.Command == "" {
		return nil, fmt.Errorf("assistant.command is required")
	}
	if cfg.Assistant.SessionRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Assistant.SessionRoot = filepath.Join(home, ".assistant", "projects")
		}
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 60
	}

	return cfg, nil
}
