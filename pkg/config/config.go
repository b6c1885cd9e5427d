// Package config loads the farmer's environment settings and the per-market
// strategy table.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DeribitLegs names the four option instruments backing one market's fair
// value, plus the synthetic target instrument whose strike is the market's
// resolution level.
type DeribitLegs struct {
	LowerEarlier     string `json:"lowerEarlier"`
	UpperEarlier     string `json:"upperEarlier"`
	LowerLater       string `json:"lowerLater"`
	UpperLater       string `json:"upperLater"`
	TargetInstrument string `json:"targetInstrument"`
}

// MarketConfig is one row of the strategy table.
type MarketConfig struct {
	Slug string      `json:"slug"`
	Legs DeribitLegs `json:"deribit"`

	// TargetStrike overrides the strike parsed from TargetInstrument when
	// non-zero.
	TargetStrike  float64 `json:"targetStrike,omitempty"`
	AllocationUSD float64 `json:"allocationUSD"`
}

// Strike returns the market's target strike, parsing the target instrument
// name when no explicit override is set.
func (m *MarketConfig) Strike() (float64, error) {
	if m.TargetStrike > 0 {
		return m.TargetStrike, nil
	}
	return ParseStrike(m.Legs.TargetInstrument)
}

// ParseStrike extracts the strike from a Deribit option instrument name,
// e.g. "BTC-1SEP25-107298-C" -> 107298.
func ParseStrike(instrument string) (float64, error) {
	parts := strings.Split(instrument, "-")
	if len(parts) < 4 {
		return 0, fmt.Errorf("malformed instrument name %q", instrument)
	}
	strike, err := strconv.ParseFloat(parts[len(parts)-2], 64)
	if err != nil {
		return 0, fmt.Errorf("instrument %q: strike: %w", instrument, err)
	}
	return strike, nil
}

// Config is the full runtime configuration.
type Config struct {
	PrivateKey string
	HTTPAddr   string
	LogLevel   string

	LimitlessBaseURL string
	DeribitBaseURL   string
	DeribitTestnet   bool

	// BaseRPC is the Base mainnet JSON-RPC endpoint used for ERC-1155
	// approval management. Empty disables on-chain approval checks.
	BaseRPC string

	// Operators overrides the exchange operator addresses granted token
	// approval. Empty means both exchange variants.
	Operators []string

	MaxHalfSpread string
	TickSize      string

	BookPollInterval time.Duration
	FairPollInterval time.Duration
	CycleInterval    time.Duration

	Markets []MarketConfig
}

// Load reads the env file (when present), the environment, and the markets
// table. Missing credentials are a startup error, not a runtime one.
func Load(envFile, marketsFile string) (*Config, error) {
	// A missing env file is fine; explicit environment wins either way.
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		PrivateKey:       os.Getenv("PRIVATE_KEY"),
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LimitlessBaseURL: os.Getenv("LIMITLESS_API_URL"),
		DeribitBaseURL:   os.Getenv("DERIBIT_API_URL"),
		DeribitTestnet:   os.Getenv("DERIBIT_TESTNET") == "true",
		BaseRPC:          envOr("BASE_RPC", "https://mainnet.base.org"),
		Operators:        splitList(os.Getenv("OPERATOR_ADDRS")),
		MaxHalfSpread:    envOr("MAX_HALF_SPREAD", "0.03"),
		TickSize:         envOr("TICK_SIZE", "0.01"),
		BookPollInterval: envDuration("BOOK_POLL_INTERVAL", 2*time.Second),
		FairPollInterval: envDuration("FAIR_POLL_INTERVAL", 2*time.Second),
		CycleInterval:    envDuration("CYCLE_INTERVAL", 3*time.Second),
	}

	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("PRIVATE_KEY is required")
	}

	if marketsFile == "" {
		marketsFile = envOr("MARKETS_FILE", "markets.json")
	}
	markets, err := loadMarkets(marketsFile)
	if err != nil {
		return nil, err
	}
	cfg.Markets = markets

	return cfg, nil
}

func loadMarkets(path string) ([]MarketConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets table: %w", err)
	}
	var markets []MarketConfig
	if err := json.Unmarshal(raw, &markets); err != nil {
		return nil, fmt.Errorf("parse markets table %s: %w", path, err)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("markets table %s is empty", path)
	}
	for i := range markets {
		if err := validateMarket(&markets[i]); err != nil {
			return nil, fmt.Errorf("markets table %s entry %d: %w", path, i, err)
		}
	}
	return markets, nil
}

func validateMarket(m *MarketConfig) error {
	if m.Slug == "" {
		return fmt.Errorf("missing market slug")
	}
	legs := []string{m.Legs.LowerEarlier, m.Legs.UpperEarlier, m.Legs.LowerLater, m.Legs.UpperLater}
	for _, leg := range legs {
		if leg == "" {
			return fmt.Errorf("market %s: all four deribit legs are required", m.Slug)
		}
	}
	if _, err := m.Strike(); err != nil {
		return fmt.Errorf("market %s: %w", m.Slug, err)
	}
	if m.AllocationUSD <= 0 {
		return fmt.Errorf("market %s: allocationUSD must be positive", m.Slug)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
