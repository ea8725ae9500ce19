// Package config loads keeper settings from the environment.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"allocation-keeper/internal/units"
)

// maxLogChunkSize bounds a single eth_getLogs block range.
const maxLogChunkSize = 100_000

// Config holds keeper configuration.
type Config struct {
	// Ledger
	RPCURL              string
	PrivateKey          string
	AllocationAddress   string
	VaultAddress        string
	ReceiptPollInterval time.Duration

	// Store
	DatabaseURL  string
	DatabaseName string
	UseMemory    bool

	// Loop
	PollInterval      time.Duration
	StatsInterval     time.Duration
	DepositMonitoring bool
	ExpireStale       bool

	// Safety and scanning
	MaxGasPriceGwei  decimal.Decimal
	DepositThreshold decimal.Decimal
	AssetDecimals    int32
	LogChunkSize     uint64
	StrictLogGaps    bool

	// Surfaces
	MetricsAddr string
	LogLevel    string
	LogPretty   bool
}

// Load reads configuration from environment variables. When envFile exists
// it is loaded first; variables already set in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	maxGas, err := getEnvAsDecimal("MAX_GAS_PRICE_GWEI", decimal.NewFromInt(100))
	if err != nil {
		return nil, err
	}
	threshold, err := getEnvAsDecimal("DEPOSIT_THRESHOLD", decimal.NewFromInt(1000))
	if err != nil {
		return nil, err
	}
	decimals, err := getEnvAsUint("ASSET_DECIMALS", 6, 8)
	if err != nil {
		return nil, err
	}
	chunkSize, err := getEnvAsUint("LOG_CHUNK_SIZE", 10, 64)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCURL:              getEnv("RPC_URL", ""),
		PrivateKey:          getEnv("KEEPER_PRIVATE_KEY", ""),
		AllocationAddress:   getEnv("ALLOCATION_CONTRACT_ADDRESS", ""),
		VaultAddress:        getEnv("VAULT_CONTRACT_ADDRESS", ""),
		ReceiptPollInterval: getEnvAsDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseName:        getEnv("DATABASE_NAME", ""),
		PollInterval:        getEnvAsDuration("POLL_INTERVAL", 60*time.Second),
		StatsInterval:       getEnvAsDuration("STATS_INTERVAL", 10*time.Minute),
		DepositMonitoring:   getEnvAsBool("ENABLE_DEPOSIT_MONITORING", true),
		ExpireStale:         getEnvAsBool("EXPIRE_STALE", true),
		MaxGasPriceGwei:     maxGas,
		DepositThreshold:    threshold,
		AssetDecimals:       int32(decimals),
		LogChunkSize:        chunkSize,
		StrictLogGaps:       getEnvAsBool("STRICT_LOG_GAPS", false),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvAsBool("LOG_PRETTY", false),
	}

	return cfg, nil
}

// Validate checks everything the keeper process needs to start.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("KEEPER_PRIVATE_KEY is required")
	}
	if !common.IsHexAddress(c.AllocationAddress) {
		return fmt.Errorf("ALLOCATION_CONTRACT_ADDRESS is not a valid address: %q", c.AllocationAddress)
	}
	if !common.IsHexAddress(c.VaultAddress) {
		return fmt.Errorf("VAULT_CONTRACT_ADDRESS is not a valid address: %q", c.VaultAddress)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if !c.MaxGasPriceGwei.IsPositive() {
		return fmt.Errorf("MAX_GAS_PRICE_GWEI must be positive")
	}
	if c.DepositThreshold.IsNegative() {
		return fmt.Errorf("DEPOSIT_THRESHOLD must not be negative")
	}
	if c.AssetDecimals < 0 || c.AssetDecimals > 36 {
		return fmt.Errorf("ASSET_DECIMALS out of range: %d", c.AssetDecimals)
	}
	if c.LogChunkSize == 0 || c.LogChunkSize > maxLogChunkSize {
		return fmt.Errorf("LOG_CHUNK_SIZE out of range: %d (1-%d)", c.LogChunkSize, maxLogChunkSize)
	}
	return c.ValidateStore()
}

// ValidateStore checks the store settings alone.
func (c *Config) ValidateStore() error {
	if !c.UseMemory && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (use -use-memory for in-memory storage)")
	}
	return nil
}

// MaxGasPriceWei returns the gas ceiling in wei.
func (c *Config) MaxGasPriceWei() *big.Int {
	return units.GweiToWei(c.MaxGasPriceGwei)
}

// DepositThresholdBaseUnits returns the deposit threshold in the asset's
// native decimals.
func (c *Config) DepositThresholdBaseUnits() *big.Int {
	return units.ToBaseUnits(c.DepositThreshold, c.AssetDecimals)
}

// Settings returns the non-secret configuration for startup logging.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"allocation_contract": c.AllocationAddress,
		"vault_contract":      c.VaultAddress,
		"store":               c.storeKind(),
		"max_gas_price_gwei":  c.MaxGasPriceGwei.String(),
		"deposit_threshold":   c.DepositThreshold.String(),
		"asset_decimals":      c.AssetDecimals,
		"log_chunk_size":      c.LogChunkSize,
		"strict_log_gaps":     c.StrictLogGaps,
		"stats_interval":      c.StatsInterval.String(),
	}
}

func (c *Config) storeKind() string {
	if c.UseMemory {
		return "memory"
	}
	return "postgres"
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsUint rejects negative and out-of-range values instead of
// wrapping them.
func getEnvAsUint(key string, defaultValue uint64, bitSize int) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q", key, value)
	}
	return n, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := units.ParseAmount(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
