// Package config loads process configuration from an optional YAML
// file with environment variable overrides. Precedence: environment >
// config file > default.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HorizonURL        string `yaml:"horizon_url"`
	NetworkPassphrase string `yaml:"network_passphrase"`
	SignerSocket      string `yaml:"signer_socket"`
	FeeWallet         string `yaml:"fee_wallet"`
	RegistryPath      string `yaml:"registry_path"`

	DefaultSlippage decimal.Decimal `yaml:"default_slippage"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Payout PayoutConfig `yaml:"payout"`
}

type PayoutConfig struct {
	StorePath    string `yaml:"store_path"`
	RewardCode   string `yaml:"reward_code"`
	RewardIssuer string `yaml:"reward_issuer"`
	Identity     string `yaml:"identity"` // disbursement signing identity
	ExplorerURL  string `yaml:"explorer_url"`
	Confirm      bool   `yaml:"confirm"`
}

const (
	defaultHorizonURL = "https://horizon.stellar.org"
	defaultPassphrase = "Public Global Stellar Network ; September 2015"
)

// Load reads the YAML file at path (skipped when empty or absent) and
// applies environment overrides. A .env file in the working directory
// is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HorizonURL:        defaultHorizonURL,
		NetworkPassphrase: defaultPassphrase,
		RegistryPath:      "data/registry.badger",
		DefaultSlippage:   decimal.RequireFromString("0.05"),
		LogLevel:          "info",
		Payout: PayoutConfig{
			StorePath:   "data/payout.badger",
			ExplorerURL: "https://api.stellar.expert/explorer/public",
		},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HorizonURL = getEnv("HORIZON_URL", cfg.HorizonURL)
	cfg.NetworkPassphrase = getEnv("NETWORK_PASSPHRASE", cfg.NetworkPassphrase)
	cfg.SignerSocket = getEnv("SIGNER_SOCKET", cfg.SignerSocket)
	cfg.FeeWallet = getEnv("FEE_WALLET", cfg.FeeWallet)
	cfg.RegistryPath = getEnv("REGISTRY_PATH", cfg.RegistryPath)
	cfg.DefaultSlippage = parseDecimalEnv("DEFAULT_SLIPPAGE", cfg.DefaultSlippage)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	cfg.Payout.StorePath = getEnv("PAYOUT_STORE_PATH", cfg.Payout.StorePath)
	cfg.Payout.RewardCode = getEnv("PAYOUT_REWARD_CODE", cfg.Payout.RewardCode)
	cfg.Payout.RewardIssuer = getEnv("PAYOUT_REWARD_ISSUER", cfg.Payout.RewardIssuer)
	cfg.Payout.Identity = getEnv("PAYOUT_IDENTITY", cfg.Payout.Identity)
	cfg.Payout.ExplorerURL = getEnv("PAYOUT_EXPLORER_URL", cfg.Payout.ExplorerURL)
	cfg.Payout.Confirm = parseBoolEnv("PAYOUT_CONFIRM", cfg.Payout.Confirm)

	return cfg, nil
}

// Validate checks the fields every binary needs.
func (c *Config) Validate() error {
	if c.HorizonURL == "" {
		return fmt.Errorf("horizon_url is required")
	}
	if c.NetworkPassphrase == "" {
		return fmt.Errorf("network_passphrase is required")
	}
	if c.SignerSocket == "" {
		return fmt.Errorf("signer_socket is required")
	}
	if c.FeeWallet == "" {
		return fmt.Errorf("fee_wallet is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDecimalEnv(key string, fallback decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return fallback
	}
	return parsed
}
