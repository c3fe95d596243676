package config

import (
	"time"

	settleerrors "github.com/guess5/escrow-settler/settlementClient/errors"
)

// Config is the daemon configuration. Keys are snake_case in the JSON file and
// can be overridden with SETTLER_<KEY> environment variables (nested keys join
// with an underscore, e.g. SETTLER_RETRY_MAX_ATTEMPTS).
type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level" mapstructure:"log_level"`     // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format" mapstructure:"log_format"`   // "json" or "console"
	LogSampler bool   `json:"log_sampler" mapstructure:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome   string `json:"node_home" mapstructure:"node_home"`       // Home directory (default: ~/.settler)
	DBFileName string `json:"db_file_name" mapstructure:"db_file_name"` // SQLite file under <node_home>/data

	// Solana configuration
	RPCURLs           []string `json:"rpc_urls" mapstructure:"rpc_urls"`                       // Solana RPC endpoints, tried round-robin
	Commitment        string   `json:"commitment" mapstructure:"commitment"`                   // "confirmed" or "finalized"
	MultisigProgramID string   `json:"multisig_program_id" mapstructure:"multisig_program_id"` // Squads v4 program
	SystemKeypairPath string   `json:"system_keypair_path" mapstructure:"system_keypair_path"` // solana-keygen JSON file of the system member
	FeeWallet         string   `json:"fee_wallet" mapstructure:"fee_wallet"`                   // Receives platform fees
	RPCTimeoutSeconds int      `json:"rpc_timeout_seconds" mapstructure:"rpc_timeout_seconds"`

	// Settlement policy
	Threshold           int    `json:"threshold" mapstructure:"threshold"`
	FeeBPS              uint64 `json:"fee_bps" mapstructure:"fee_bps"`                                 // fee on a decided match, of the total pot
	PartialRefundFeeBPS uint64 `json:"partial_refund_fee_bps" mapstructure:"partial_refund_fee_bps"` // fee per stake on a losing tie
	NoPlayFeeBPS        uint64 `json:"no_play_fee_bps" mapstructure:"no_play_fee_bps"`               // penalty per stake when a funded match is never played
	SyncWindow          int    `json:"sync_window" mapstructure:"sync_window"`                       // sequence numbers scanned behind the vault cursor
	MaxConcurrentSyncs  int    `json:"max_concurrent_syncs" mapstructure:"max_concurrent_syncs"`
	BalanceToleranceSOL string `json:"balance_tolerance_sol" mapstructure:"balance_tolerance_sol"` // covers rent-exempt minimums

	// Poller intervals
	SyncIntervalSeconds       int `json:"sync_interval_seconds" mapstructure:"sync_interval_seconds"`
	BalanceIntervalSeconds    int `json:"balance_interval_seconds" mapstructure:"balance_interval_seconds"`
	StuckCheckIntervalSeconds int `json:"stuck_check_interval_seconds" mapstructure:"stuck_check_interval_seconds"`
	PerRunTimeoutSeconds      int `json:"per_run_timeout_seconds" mapstructure:"per_run_timeout_seconds"`
	RestartDelaySeconds       int `json:"restart_delay_seconds" mapstructure:"restart_delay_seconds"`

	// Execution confirmation polling
	ConfirmPollIntervalMillis int `json:"confirm_poll_interval_millis" mapstructure:"confirm_poll_interval_millis"`
	ConfirmPollAttempts       int `json:"confirm_poll_attempts" mapstructure:"confirm_poll_attempts"`

	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Query Server Config
	APIPort int `json:"api_port" mapstructure:"api_port"` // Port for health/status/metrics (default: 8080)
}

// RetryConfig configures the shared ledger backoff policy
type RetryConfig struct {
	MaxAttempts        int     `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMillis int     `json:"initial_delay_millis" mapstructure:"initial_delay_millis"`
	MaxDelayMillis     int     `json:"max_delay_millis" mapstructure:"max_delay_millis"`
	Multiplier         float64 `json:"multiplier" mapstructure:"multiplier"`
	Jitter             float64 `json:"jitter" mapstructure:"jitter"`
}

// RetryPolicy converts the retry settings into the policy object used by the
// ledger-facing components.
func (c *Config) RetryPolicy() *settleerrors.RetryPolicy {
	policy := settleerrors.DefaultRetryPolicy()
	policy.MaxAttempts = c.Retry.MaxAttempts
	policy.InitialDelay = time.Duration(c.Retry.InitialDelayMillis) * time.Millisecond
	policy.MaxDelay = time.Duration(c.Retry.MaxDelayMillis) * time.Millisecond
	policy.Multiplier = c.Retry.Multiplier
	policy.Jitter = c.Retry.Jitter
	return policy
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c *Config) BalanceInterval() time.Duration {
	return time.Duration(c.BalanceIntervalSeconds) * time.Second
}

func (c *Config) StuckCheckInterval() time.Duration {
	return time.Duration(c.StuckCheckIntervalSeconds) * time.Second
}

func (c *Config) PerRunTimeout() time.Duration {
	return time.Duration(c.PerRunTimeoutSeconds) * time.Second
}

func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelaySeconds) * time.Second
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

func (c *Config) ConfirmPollInterval() time.Duration {
	return time.Duration(c.ConfirmPollIntervalMillis) * time.Millisecond
}
