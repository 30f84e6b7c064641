package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Store       StoreConfig       `yaml:"store"`
	Batcher     BatcherConfig     `yaml:"batcher"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig holds ledger RPC, contract and signing key configuration
type LedgerConfig struct {
	NetworkID       string `yaml:"network_id"`
	RPCURL          string `yaml:"rpc_url"`
	SignerURL       string `yaml:"signer_url"`
	ContractID      string `yaml:"contract_id"`
	SignerAccountID string `yaml:"signer_account_id"`
	// SigningKeys are public key identifiers; the signer sidecar holds the
	// private material.
	SigningKeys         []string      `yaml:"signing_keys"`
	MaxConcurrentPerKey int           `yaml:"max_concurrent_per_key"`
	WaitUntil           string        `yaml:"wait_until"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	VerifyAccountKeys   bool          `yaml:"verify_account_keys"`
}

// StoreConfig holds job log persistence configuration
type StoreConfig struct {
	Path             string        `yaml:"path"`
	CompactThreshold int           `yaml:"compact_threshold"`
	CompactInterval  time.Duration `yaml:"compact_interval"`
}

// BatcherConfig holds request batching configuration
type BatcherConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

// CoordinatorConfig holds dispatch pipeline configuration
type CoordinatorConfig struct {
	MaxPendingJobs        int           `yaml:"max_pending_jobs"`
	MaxActionsPerTx       int           `yaml:"max_actions_per_tx"`
	MaxJobAttempts        int           `yaml:"max_job_attempts"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay         time.Duration `yaml:"retry_max_delay"`
	NonceRetryLimit       int           `yaml:"nonce_retry_limit"`
	SkipRegistrationCheck bool          `yaml:"skip_registration_check"`
	MinStorageDeposit     string        `yaml:"min_storage_deposit"`
}

// ThrottleConfig holds token bucket configuration
type ThrottleConfig struct {
	GlobalMaxTx  int           `yaml:"global_max_tx"`
	GlobalWindow time.Duration `yaml:"global_window"`
	PerKeyMaxTx  int           `yaml:"per_key_max_tx"`
	PerKeyWindow time.Duration `yaml:"per_key_window"`
}

// ReconcilerConfig holds finality polling configuration
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger rpc_url is required")
	}

	if c.Ledger.ContractID == "" {
		return fmt.Errorf("ledger contract_id is required")
	}

	if c.Ledger.SignerAccountID == "" {
		return fmt.Errorf("ledger signer_account_id is required")
	}

	if len(c.Ledger.SigningKeys) == 0 {
		return fmt.Errorf("at least one signing key is required")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Batcher.MaxBatchSize <= 0 {
		return fmt.Errorf("batcher max_batch_size must be greater than 0")
	}

	if c.Batcher.Window <= 0 {
		return fmt.Errorf("batcher window must be greater than 0")
	}

	if c.Coordinator.MaxPendingJobs <= 0 {
		return fmt.Errorf("coordinator max_pending_jobs must be greater than 0")
	}

	if c.Coordinator.MaxActionsPerTx < 2 {
		return fmt.Errorf("coordinator max_actions_per_tx must be at least 2")
	}

	if c.Coordinator.MaxJobAttempts <= 0 {
		return fmt.Errorf("coordinator max_job_attempts must be greater than 0")
	}

	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler interval must be greater than 0")
	}

	if c.Reconciler.MaxWait <= 0 {
		return fmt.Errorf("reconciler max_wait must be greater than 0")
	}

	return nil
}
