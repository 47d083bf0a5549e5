// Package config provides environment-driven configuration for the muse service.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds everything the service needs at startup. All fields are
// read from the environment; most have defaults so a bare dev setup can
// boot, but generation is skipped when the AI credentials are empty.
type Config struct {
	Port        int
	PublicURL   string
	DatabaseURL string

	// AI services
	GeminiAPIKey string

	// Payments
	BaseRPCURL      string
	USDCAddress     string
	TreasuryAddress string
	FacilitatorURL  string

	// Storage
	DataDir string

	// Sweeper
	SweepSpec string
}

// Load reads configuration from the environment. Only DATABASE_URL is
// required; everything else falls back to a sensible default.
func Load() (*Config, error) {
	port := 8889
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PORT must be a number: %w", err)
		}
		port = p
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg := &Config{
		Port:            port,
		PublicURL:       getenv("PUBLIC_URL", "https://muse.art"),
		DatabaseURL:     databaseURL,
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		BaseRPCURL:      getenv("BASE_RPC_URL", "https://mainnet.base.org"),
		USDCAddress:     getenv("USDC_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		TreasuryAddress: os.Getenv("TREASURY_ADDRESS"),
		FacilitatorURL:  getenv("X402_FACILITATOR_URL", "https://x402.org/facilitator"),
		DataDir:         getenv("DATA_DIR", "data"),
		SweepSpec:       getenv("SWEEP_SPEC", "@every 1m"),
	}

	return cfg, nil
}

// HasGenerationCredentials reports whether the AI service credentials
// needed to run the pipeline are configured.
func (c *Config) HasGenerationCredentials() bool {
	return c.GeminiAPIKey != ""
}

// ResourceURL returns the canonical resource URL advertised in payment
// challenges for the generate endpoint.
func (c *Config) ResourceURL() string {
	return c.PublicURL + "/api/v1/generate"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
