package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all runtime configuration for the delegation server.
// Values are read from environment variables; main loads a .env file
// first via godotenv when present.
type Config struct {
	Port string

	// Chain access
	ChainRPCURL       string
	ChainID           int64
	EntryPointAddress common.Address

	// Bundler access
	BundlerRPCURL string

	// Delegate signer key (hex, no 0x prefix required). This is the only
	// place the key enters the process; it is never accepted from callers.
	SignerPrivateKey string

	// Action target contracts
	PassportContractAddress common.Address
	SwapRouterAddress       common.Address

	// Permission store backing. Empty RedisURL selects the in-memory store.
	RedisURL string

	// Confirmation polling
	ReceiptPollInterval time.Duration
	ReceiptPollAttempts int

	// Gas estimation
	EstimateTimeout time.Duration

	// API auth
	APIKey string
}

// Load reads configuration from the environment and validates that all
// required variables are present.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnvWithDefault("PORT", "50051"),
		ChainRPCURL:         os.Getenv("CHAIN_RPC_URL"),
		BundlerRPCURL:       os.Getenv("BUNDLER_RPC_URL"),
		SignerPrivateKey:    os.Getenv("DELEGATE_SIGNER_KEY"),
		RedisURL:            os.Getenv("REDIS_URL"),
		APIKey:              os.Getenv("API_KEY"),
		ReceiptPollInterval: getDurationWithDefault("RECEIPT_POLL_INTERVAL", 2*time.Second),
		ReceiptPollAttempts: getIntWithDefault("RECEIPT_POLL_ATTEMPTS", 30),
		EstimateTimeout:     getDurationWithDefault("GAS_ESTIMATE_TIMEOUT", 10*time.Second),
	}

	required := map[string]string{
		"CHAIN_RPC_URL":       cfg.ChainRPCURL,
		"BUNDLER_RPC_URL":     cfg.BundlerRPCURL,
		"DELEGATE_SIGNER_KEY": cfg.SignerPrivateKey,
	}
	for name, value := range required {
		if value == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	chainID, err := strconv.ParseInt(getEnvWithDefault("CHAIN_ID", "11155111"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CHAIN_ID: %w", err)
	}
	cfg.ChainID = chainID

	addrs := map[string]*common.Address{
		"ENTRYPOINT_ADDRESS":        &cfg.EntryPointAddress,
		"PASSPORT_CONTRACT_ADDRESS": &cfg.PassportContractAddress,
		"SWAP_ROUTER_ADDRESS":       &cfg.SwapRouterAddress,
	}
	for name, dst := range addrs {
		raw := os.Getenv(name)
		if raw == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%s is not a valid address", name)
		}
		*dst = common.HexToAddress(raw)
	}

	return cfg, nil
}

// getEnvWithDefault returns environment variable value or default
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
