package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"

	"github.com/guess5/escrow-settler/settlementClient/utils"
)

const (
	configSubdir   = "config"
	configFileName = "settler_config.json"

	// EnvPrefix prefixes every environment override, e.g. SETTLER_FEE_BPS.
	EnvPrefix = "SETTLER"

	maxBPS = 10_000
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.DBFileName == "" {
		cfg.DBFileName = "settler.db"
	}

	// Solana defaults
	if len(cfg.RPCURLs) == 0 {
		cfg.RPCURLs = []string{"https://api.devnet.solana.com"}
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Commitment != "confirmed" && cfg.Commitment != "finalized" {
		return fmt.Errorf("commitment must be 'confirmed' or 'finalized'")
	}
	if cfg.MultisigProgramID == "" {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.MultisigProgramID = defaultCfg.MultisigProgramID
		}
	}
	if _, err := solana.PublicKeyFromBase58(cfg.MultisigProgramID); err != nil {
		return fmt.Errorf("multisig program id is not a valid public key: %w", err)
	}
	if cfg.FeeWallet != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.FeeWallet); err != nil {
			return fmt.Errorf("fee wallet is not a valid public key: %w", err)
		}
	}
	if cfg.RPCTimeoutSeconds == 0 {
		cfg.RPCTimeoutSeconds = 15
	}

	// Settlement policy. The vault is always {system, playerA, playerB}.
	if cfg.Threshold == 0 {
		cfg.Threshold = 2
	}
	if cfg.Threshold != 2 {
		return fmt.Errorf("threshold must be 2")
	}
	if cfg.FeeBPS > maxBPS || cfg.PartialRefundFeeBPS > maxBPS || cfg.NoPlayFeeBPS > maxBPS {
		return fmt.Errorf("fee basis points must not exceed %d", maxBPS)
	}
	if cfg.SyncWindow == 0 {
		cfg.SyncWindow = 10
	}
	if cfg.SyncWindow < 0 {
		return fmt.Errorf("sync window must be positive")
	}
	if cfg.MaxConcurrentSyncs == 0 {
		cfg.MaxConcurrentSyncs = 4
	}
	if cfg.BalanceToleranceSOL == "" {
		cfg.BalanceToleranceSOL = "0.001"
	}
	if _, err := utils.ParseSOL(cfg.BalanceToleranceSOL); err != nil {
		return fmt.Errorf("balance tolerance: %w", err)
	}

	// Poller defaults
	if cfg.SyncIntervalSeconds == 0 {
		cfg.SyncIntervalSeconds = 30
	}
	if cfg.BalanceIntervalSeconds == 0 {
		cfg.BalanceIntervalSeconds = 300
	}
	if cfg.StuckCheckIntervalSeconds == 0 {
		cfg.StuckCheckIntervalSeconds = 600
	}
	if cfg.PerRunTimeoutSeconds == 0 {
		cfg.PerRunTimeoutSeconds = 120
	}
	if cfg.RestartDelaySeconds == 0 {
		cfg.RestartDelaySeconds = 5
	}
	if cfg.ConfirmPollIntervalMillis == 0 {
		cfg.ConfirmPollIntervalMillis = 2000
	}
	if cfg.ConfirmPollAttempts == 0 {
		cfg.ConfirmPollAttempts = 15
	}

	// Retry defaults
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelayMillis == 0 {
		cfg.Retry.InitialDelayMillis = 1000
	}
	if cfg.Retry.MaxDelayMillis == 0 {
		cfg.Retry.MaxDelayMillis = 30000
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1")
	}

	// Set defaults for query server
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}

	return nil
}

// BalanceToleranceLamports returns the configured balance tolerance in lamports.
func (c *Config) BalanceToleranceLamports() uint64 {
	l, err := utils.ParseSOL(c.BalanceToleranceSOL)
	if err != nil {
		return 0
	}
	return l
}

// Save writes the given config to <basePath>/config/settler_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <basePath>/config/settler_config.json and applies
// SETTLER_* environment overrides on top of it.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)

	v := newViper()
	v.SetConfigFile(filepath.Clean(configFile))
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
