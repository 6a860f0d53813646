package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"gigledger/internal/ledger"
)

// FileConfig models the optional JSON file named by CONFIG_PATH.
type FileConfig struct {
	Service struct {
		HTTPPort              int    `json:"httpPort"`
		LogLevel              string `json:"logLevel"`
		PublicBaseURL         string `json:"publicBaseUrl"`
		HMACSecret            string `json:"hmacSecret"`
		HMACClockSkewSecs     int    `json:"hmacClockSkewSeconds"`
		IdempotencyWindowSecs int    `json:"idempotencyWindowSeconds"`
		ShutdownTimeoutSecs   int    `json:"shutdownTimeoutSeconds"`
	} `json:"service"`
	Chain struct {
		RPCURL            string `json:"rpcUrl"`
		PrivateKey        string `json:"privateKey"`
		ValidityWindow    uint64 `json:"validityWindow"`
		ConfirmationDepth uint64 `json:"confirmationDepth"`
		PollIntervalMs    int    `json:"pollIntervalMs"`
	} `json:"chain"`
	Contracts struct {
		Escrow string `json:"escrow"`
		Badge  string `json:"badge"`
	} `json:"contracts"`
	Fees struct {
		Ceiling string `json:"ceiling"`
	} `json:"fees"`
	Monitor struct {
		IntervalSecs      int `json:"intervalSeconds"`
		StuckAfterSecs    int `json:"stuckAfterSeconds"`
		FailureWindowSecs int `json:"failureWindowSeconds"`
		FailureThreshold  int `json:"failureThreshold"`
		MaxVerifyAttempts int `json:"maxVerifyAttempts"`
	} `json:"monitor"`
	Retry struct {
		MaxAttempts        int `json:"maxAttempts"`
		InitialBackoffMs   int `json:"initialBackoffMs"`
		MaxBackoffMs       int `json:"maxBackoffMs"`
		BackoffMultiplier  int `json:"backoffMultiplier"`
		ConfirmTimeoutSecs int `json:"confirmTimeoutSeconds"`
	} `json:"retry"`
	Storage struct {
		PostgresDSN      string `json:"postgresDsn"`
		RedisAddr        string `json:"redisAddr"`
		AlertStream      string `json:"alertStream"`
		MetadataEndpoint string `json:"metadataEndpoint"`
		MetadataToken    string `json:"metadataToken"`
	} `json:"storage"`
}

// AppConfig is the resolved configuration with derived values.
type AppConfig struct {
	Service   ServiceConfig
	Chain     ChainConfig
	Contracts ContractsConfig
	Fees      FeesConfig
	Monitor   MonitorConfig
	Retry     RetryConfig
	Storage   StorageConfig
}

type ServiceConfig struct {
	HTTPPort          int
	LogLevel          string
	PublicBaseURL     string
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	ShutdownTimeout   time.Duration
}

type ChainConfig struct {
	RPCURL string
	// PrivateKey is the operator key. Empty runs against the in-process ledger.
	PrivateKey        string
	ValidityWindow    uint64
	ConfirmationDepth uint64
	PollInterval      time.Duration
}

type ContractsConfig struct {
	Escrow common.Address
	Badge  common.Address
}

type FeesConfig struct {
	Ceiling decimal.Decimal
}

// CeilingBaseUnits is the fee ceiling in base units.
func (f FeesConfig) CeilingBaseUnits() *big.Int {
	v, err := ledger.ToBaseUnits(f.Ceiling)
	if err != nil {
		return nil
	}
	return v
}

type MonitorConfig struct {
	Interval          time.Duration
	StuckAfter        time.Duration
	FailureWindow     time.Duration
	FailureThreshold  int
	MaxVerifyAttempts int
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	ConfirmTimeout    time.Duration
}

type StorageConfig struct {
	PostgresDSN      string
	RedisAddr        string
	AlertStream      string
	MetadataEndpoint string
	MetadataToken    string
}

const defaultFeeCeiling = "0.1"

// Load reads CONFIG_PATH when set and applies environment overrides.
func Load() (*AppConfig, error) {
	var file FileConfig
	if path := envOr("CONFIG_PATH", ""); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		file = *loaded
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:          envOrInt("API_HTTP_PORT", orInt(file.Service.HTTPPort, 3000)),
			LogLevel:          envOr("LOG_LEVEL", orString(file.Service.LogLevel, "info")),
			PublicBaseURL:     envOr("PUBLIC_BASE_URL", orString(file.Service.PublicBaseURL, "http://localhost:3000")),
			HMACSecret:        envOr("HMAC_SECRET", file.Service.HMACSecret),
			HMACClockSkew:     envOrDuration("HMAC_CLOCK_SKEW", seconds(file.Service.HMACClockSkewSecs, time.Minute)),
			IdempotencyWindow: envOrDuration("IDEMPOTENCY_WINDOW", seconds(file.Service.IdempotencyWindowSecs, 24*time.Hour)),
			ShutdownTimeout:   envOrDuration("SHUTDOWN_TIMEOUT", seconds(file.Service.ShutdownTimeoutSecs, 15*time.Second)),
		},
		Chain: ChainConfig{
			RPCURL:            envOr("CHAIN_RPC_URL", file.Chain.RPCURL),
			PrivateKey:        envOr("CHAIN_PRIVATE_KEY", file.Chain.PrivateKey),
			ValidityWindow:    uint64(envOrInt("CHAIN_VALIDITY_WINDOW", orInt(int(file.Chain.ValidityWindow), int(ledger.DefaultValidityWindow)))),
			ConfirmationDepth: uint64(envOrInt("CHAIN_CONFIRMATION_DEPTH", orInt(int(file.Chain.ConfirmationDepth), 1))),
			PollInterval:      envOrDuration("CHAIN_POLL_INTERVAL", millis(file.Chain.PollIntervalMs, 2*time.Second)),
		},
		Monitor: MonitorConfig{
			Interval:          envOrDuration("MONITOR_INTERVAL", seconds(file.Monitor.IntervalSecs, 30*time.Second)),
			StuckAfter:        envOrDuration("MONITOR_STUCK_AFTER", seconds(file.Monitor.StuckAfterSecs, 5*time.Minute)),
			FailureWindow:     envOrDuration("MONITOR_FAILURE_WINDOW", seconds(file.Monitor.FailureWindowSecs, time.Hour)),
			FailureThreshold:  envOrInt("MONITOR_FAILURE_THRESHOLD", orInt(file.Monitor.FailureThreshold, 5)),
			MaxVerifyAttempts: envOrInt("MONITOR_MAX_VERIFY_ATTEMPTS", orInt(file.Monitor.MaxVerifyAttempts, 3)),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", orInt(file.Retry.MaxAttempts, 3)),
			InitialBackoff:    envOrDuration("RETRY_INITIAL_BACKOFF", millis(file.Retry.InitialBackoffMs, 500*time.Millisecond)),
			MaxBackoff:        envOrDuration("RETRY_MAX_BACKOFF", millis(file.Retry.MaxBackoffMs, 5*time.Second)),
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", orInt(file.Retry.BackoffMultiplier, 2)),
			ConfirmTimeout:    envOrDuration("CONFIRM_TIMEOUT", seconds(file.Retry.ConfirmTimeoutSecs, 2*time.Minute)),
		},
		Storage: StorageConfig{
			PostgresDSN:      envOr("POSTGRES_DSN", file.Storage.PostgresDSN),
			RedisAddr:        envOr("REDIS_ADDR", file.Storage.RedisAddr),
			AlertStream:      envOr("ALERT_STREAM", file.Storage.AlertStream),
			MetadataEndpoint: envOr("METADATA_ENDPOINT", file.Storage.MetadataEndpoint),
			MetadataToken:    envOr("METADATA_TOKEN", file.Storage.MetadataToken),
		},
	}

	ceiling, err := decimal.NewFromString(envOr("FEE_CEILING", orString(file.Fees.Ceiling, defaultFeeCeiling)))
	if err != nil {
		return nil, fmt.Errorf("fee ceiling: %w", err)
	}
	if !ceiling.IsPositive() {
		return nil, errors.New("fee ceiling must be positive")
	}
	cfg.Fees.Ceiling = ceiling

	if cfg.Contracts.Escrow, err = address("ESCROW_CONTRACT", file.Contracts.Escrow); err != nil {
		return nil, err
	}
	if cfg.Contracts.Badge, err = address("BADGE_CONTRACT", file.Contracts.Badge); err != nil {
		return nil, err
	}
	if cfg.Chain.PrivateKey != "" {
		if cfg.Chain.RPCURL == "" {
			return nil, errors.New("CHAIN_RPC_URL is required with a private key")
		}
		if cfg.Contracts.Escrow == (common.Address{}) || cfg.Contracts.Badge == (common.Address{}) {
			return nil, errors.New("escrow and badge contract addresses are required with a private key")
		}
	}
	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func address(key, fallback string) (common.Address, error) {
	v := envOr(key, fallback)
	if v == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, v)
	}
	return common.HexToAddress(v), nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("90s") or plain seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func seconds(v int, fallback time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return fallback
}

func millis(v int, fallback time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return fallback
}
