package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds everything the daemon needs at startup.
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Contracts  ContractsConfig  `yaml:"contracts"`
	IPFS       IPFSConfig       `yaml:"ipfs"`
	Identity   IdentityConfig   `yaml:"identity"`
	State      StateConfig      `yaml:"state"`
	Validation ValidationConfig `yaml:"validation"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// IdentityConfig locates the signing key and the agent's public profile.
// The keystore password is never written to the config file; it is read
// from the environment variable named by PasswordEnv.
type IdentityConfig struct {
	KeystoreDir string   `yaml:"keystore_dir"`
	Address     string   `yaml:"address"`
	PasswordEnv string   `yaml:"password_env"`
	Name        string   `yaml:"name"`
	TaskTypes   []string `yaml:"task_types"`
}

// NetworkConfig describes the ledger RPC endpoint and timing assumptions.
type NetworkConfig struct {
	ChainRPC             string `yaml:"chain_rpc"`
	ChainID              int64  `yaml:"chain_id"`
	BlockIntervalSeconds int    `yaml:"block_interval_seconds"`
	MaxSubmitAttempts    int    `yaml:"max_submit_attempts"`
}

// ContractsConfig carries the deployed contract addresses and fee policy.
type ContractsConfig struct {
	Market          string `yaml:"market"`
	AgentRegistry   string `yaml:"agent_registry"`
	Token           string `yaml:"token"`
	ValidatorFeeBps uint32 `yaml:"validator_fee_bps"`
}

// IPFSConfig points at the content network API and gateway.
type IPFSConfig struct {
	APIURL     string `yaml:"api_url"`
	GatewayURL string `yaml:"gateway_url"`
}

// StateConfig selects the local state backend.
type StateConfig struct {
	Dir    string `yaml:"dir"`
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ValidationConfig configures the judgment handler and the job queue.
type ValidationConfig struct {
	HandlerType    string      `yaml:"handler_type"`
	HandlerPath    string      `yaml:"handler_path"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	PassingScore   uint8       `yaml:"passing_score"`
	Workers        int         `yaml:"workers"`
	QueueDriver    string      `yaml:"queue_driver"`
	Redis          RedisConfig `yaml:"redis"`
	RabbitMQ       AMQPConfig  `yaml:"rabbitmq"`
}

// RedisConfig describes the Redis-backed validation queue.
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// AMQPConfig describes the RabbitMQ-backed validation queue.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// DaemonConfig controls the settlement loop.
type DaemonConfig struct {
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	AutoClaim           bool `yaml:"auto_claim"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level           string `yaml:"level"`
	Format          string `yaml:"format"`
	Output          string `yaml:"output"`
	AuditEnabled    bool   `yaml:"audit_enabled"`
	AuditPath       string `yaml:"audit_path"`
	AuditMaxSizeMB  int    `yaml:"audit_max_size_mb"`
	AuditMaxBackups int    `yaml:"audit_max_backups"`
	AuditMaxAgeDays int    `yaml:"audit_max_age_days"`
}

// Load parses the YAML config at path and applies defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default returns a config with every default applied, rooted at dir.
func Default(dir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(dir)
	return cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Network.ChainRPC == "" {
		c.Network.ChainRPC = "https://mainnet.base.org"
	}
	if c.Network.ChainID == 0 {
		c.Network.ChainID = 8453
	}
	if c.Network.BlockIntervalSeconds <= 0 {
		c.Network.BlockIntervalSeconds = 2
	}
	if c.Network.MaxSubmitAttempts <= 0 {
		c.Network.MaxSubmitAttempts = 3
	}

	if c.Contracts.ValidatorFeeBps == 0 {
		c.Contracts.ValidatorFeeBps = 500
	}

	if c.IPFS.APIURL == "" {
		c.IPFS.APIURL = "http://localhost:5001"
	}
	if c.IPFS.GatewayURL == "" {
		c.IPFS.GatewayURL = "https://gateway.pinata.cloud"
	}

	if c.Identity.KeystoreDir == "" {
		c.Identity.KeystoreDir = filepath.Join(baseDir, "keystore")
	} else if !filepath.IsAbs(c.Identity.KeystoreDir) {
		c.Identity.KeystoreDir = filepath.Join(baseDir, c.Identity.KeystoreDir)
	}
	if c.Identity.PasswordEnv == "" {
		c.Identity.PasswordEnv = "AGENTMARKET_KEYSTORE_PASSWORD"
	}

	if c.State.Dir == "" {
		c.State.Dir = filepath.Join(baseDir, "state")
	} else if !filepath.IsAbs(c.State.Dir) {
		c.State.Dir = filepath.Join(baseDir, c.State.Dir)
	}
	if c.State.Driver == "" {
		c.State.Driver = "file"
	}

	if c.Validation.HandlerType == "" {
		c.Validation.HandlerType = "manual"
	}
	if c.Validation.TimeoutSeconds <= 0 {
		c.Validation.TimeoutSeconds = 60
	}
	if c.Validation.PassingScore == 0 {
		c.Validation.PassingScore = 60
	}
	if c.Validation.Workers <= 0 {
		c.Validation.Workers = 2
	}
	if c.Validation.QueueDriver == "" {
		c.Validation.QueueDriver = "memory"
	}
	if c.Validation.Redis.Queue == "" {
		c.Validation.Redis.Queue = "agentmarket:validations"
	}
	if c.Validation.Redis.BlockWaitSeconds <= 0 {
		c.Validation.Redis.BlockWaitSeconds = 5
	}
	if c.Validation.RabbitMQ.Queue == "" {
		c.Validation.RabbitMQ.Queue = "agentmarket.validations"
	}

	if c.Daemon.PollIntervalSeconds <= 0 {
		c.Daemon.PollIntervalSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.AuditEnabled && c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(c.State.Dir, "audit.log")
	}
}
