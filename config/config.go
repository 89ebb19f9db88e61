package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // day_boundary_tz must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Profile Profile
	Account AccountConfig
	Sizing  SizingConfig
	Bridge  BridgeConfig
	Journal JournalConfig

	// DayBoundary is the zone whose midnight resets daily counters.
	DayBoundary *time.Location
}

// AccountConfig contains account initialization parameters
type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

// SizingConfig selects and tunes the position sizer.
type SizingConfig struct {
	Method              string  `json:"method" yaml:"method"`                               // fixed | volatility | kelly
	MaxPositionFraction float64 `json:"max_position_fraction" yaml:"max_position_fraction"` // notional cap, 1.0 = 1x balance
	TargetVolatility    float64 `json:"target_volatility,omitempty" yaml:"target_volatility,omitempty"`
	MaxVolMultiplier    float64 `json:"max_vol_multiplier,omitempty" yaml:"max_vol_multiplier,omitempty"`
	KellyFraction       float64 `json:"kelly_fraction,omitempty" yaml:"kelly_fraction,omitempty"`
	KellyCeiling        float64 `json:"kelly_ceiling,omitempty" yaml:"kelly_ceiling,omitempty"`
	KellyMinTrades      int     `json:"kelly_min_trades,omitempty" yaml:"kelly_min_trades,omitempty"`
	KellyLookback       int     `json:"kelly_lookback,omitempty" yaml:"kelly_lookback,omitempty"`
	QuantityStep        float64 `json:"quantity_step,omitempty" yaml:"quantity_step,omitempty"` // lot step, 0 = continuous
	ScaleByStrength     bool    `json:"scale_by_strength,omitempty" yaml:"scale_by_strength,omitempty"`
}

// BridgeConfig tunes the signal queue and its HTTP surface.
type BridgeConfig struct {
	Account                 string            `json:"account" yaml:"account"`
	Magic                   int               `json:"magic" yaml:"magic"`
	AckTimeoutSeconds       int               `json:"ack_timeout_seconds" yaml:"ack_timeout_seconds"`
	MaxAgeSeconds           int               `json:"max_age_seconds" yaml:"max_age_seconds"`
	UnreachableAfterSeconds int               `json:"unreachable_after_seconds" yaml:"unreachable_after_seconds"`
	PollsPerSecond          float64           `json:"polls_per_second" yaml:"polls_per_second"`
	PricePlaces             int32             `json:"price_places" yaml:"price_places"`
	Symbols                 map[string]string `json:"symbols,omitempty" yaml:"symbols,omitempty"`
}

func (b BridgeConfig) AckTimeout() time.Duration {
	return time.Duration(b.AckTimeoutSeconds) * time.Second
}

func (b BridgeConfig) MaxAge() time.Duration {
	return time.Duration(b.MaxAgeSeconds) * time.Second
}

func (b BridgeConfig) UnreachableAfter() time.Duration {
	return time.Duration(b.UnreachableAfterSeconds) * time.Second
}

// JournalConfig contains persistence parameters
type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// file is the serialized layout of Config.
type file struct {
	Profile     string        `json:"profile" yaml:"profile"`
	Risk        profileFields `json:"risk" yaml:"risk"`
	Account     AccountConfig `json:"account" yaml:"account"`
	Sizing      SizingConfig  `json:"sizing" yaml:"sizing"`
	Bridge      BridgeConfig  `json:"bridge" yaml:"bridge"`
	Journal     JournalConfig `json:"journal" yaml:"journal"`
	DayBoundary string        `json:"day_boundary_tz,omitempty" yaml:"day_boundary_tz,omitempty"`
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, falling back to JSON, and validates the result.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	prof, err := resolve(f.Profile, f.Risk)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := &Config{
		Profile: prof,
		Account: f.Account,
		Sizing:  f.Sizing,
		Bridge:  f.Bridge,
		Journal: f.Journal,
	}
	cfg.DayBoundary, err = loadLocation(f.DayBoundary)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("day_boundary_tz: %w", err)
	}
	return loc, nil
}

// SaveToFile writes the configuration as YAML or JSON based on extension.
func (c *Config) SaveToFile(path string) error {
	f := file{
		Profile: c.Profile.Name,
		Risk:    c.Profile.fields(),
		Account: c.Account,
		Sizing:  c.Sizing,
		Bridge:  c.Bridge,
		Journal: c.Journal,
	}
	if c.DayBoundary != nil && c.DayBoundary != time.UTC {
		f.DayBoundary = c.DayBoundary.String()
	}

	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(f)
	default:
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Account.Currency == "" {
		c.Account.Currency = "USD"
	}
	if c.Sizing.Method == "" {
		c.Sizing.Method = "fixed"
	}
	if c.Sizing.MaxPositionFraction == 0 {
		c.Sizing.MaxPositionFraction = 1
	}
	if c.Sizing.TargetVolatility == 0 {
		c.Sizing.TargetVolatility = 0.01
	}
	if c.Sizing.MaxVolMultiplier == 0 {
		c.Sizing.MaxVolMultiplier = 2
	}
	if c.Sizing.KellyFraction == 0 {
		c.Sizing.KellyFraction = 0.25
	}
	if c.Sizing.KellyCeiling == 0 {
		c.Sizing.KellyCeiling = 0.25
	}
	if c.Sizing.KellyMinTrades == 0 {
		c.Sizing.KellyMinTrades = 20
	}
	if c.Sizing.KellyLookback == 0 {
		c.Sizing.KellyLookback = 100
	}
	if c.Bridge.Account == "" {
		c.Bridge.Account = "default"
	}
	if c.Bridge.AckTimeoutSeconds == 0 {
		c.Bridge.AckTimeoutSeconds = 30
	}
	if c.Bridge.MaxAgeSeconds == 0 {
		c.Bridge.MaxAgeSeconds = 300
	}
	if c.Bridge.UnreachableAfterSeconds == 0 {
		c.Bridge.UnreachableAfterSeconds = 60
	}
	if c.Bridge.PollsPerSecond == 0 {
		c.Bridge.PollsPerSecond = 5
	}
	if c.Bridge.PricePlaces == 0 {
		c.Bridge.PricePlaces = 2
	}
	if c.Journal.DBPath == "" {
		c.Journal.DBPath = "./tradegate.sqlite"
	}
	if c.DayBoundary == nil {
		c.DayBoundary = time.UTC
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Profile.Validate(); err != nil {
		return err
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}
	switch c.Sizing.Method {
	case "fixed", "volatility", "kelly":
	default:
		return fmt.Errorf("sizing.method must be one of fixed, volatility, kelly")
	}
	if c.Sizing.MaxPositionFraction <= 0 {
		return fmt.Errorf("sizing.max_position_fraction must be positive")
	}
	if c.Sizing.KellyCeiling <= 0 || c.Sizing.KellyCeiling > 0.25 {
		return fmt.Errorf("sizing.kelly_ceiling must be in (0, 0.25]")
	}
	if c.Sizing.QuantityStep < 0 {
		return fmt.Errorf("sizing.quantity_step must not be negative")
	}
	if c.Sizing.MaxVolMultiplier < 1 {
		return fmt.Errorf("sizing.max_vol_multiplier must be at least 1")
	}
	if c.Bridge.AckTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.ack_timeout_seconds must be positive")
	}
	if c.Bridge.MaxAgeSeconds < c.Bridge.AckTimeoutSeconds {
		return fmt.Errorf("bridge.max_age_seconds must be at least ack_timeout_seconds")
	}
	if c.Bridge.PricePlaces < 0 || c.Bridge.PricePlaces > 8 {
		return fmt.Errorf("bridge.price_places must be between 0 and 8")
	}
	return nil
}

// Default returns a moderate-profile configuration for a 10k USD account.
func Default() *Config {
	p, _ := Preset("moderate")
	cfg := &Config{
		Profile: p,
		Account: AccountConfig{ID: "default", Currency: "USD", Balance: 10000},
	}
	cfg.applyDefaults()
	return cfg
}

// WithProfile returns a copy of c using the named preset.
func (c *Config) WithProfile(name string) (*Config, error) {
	p, ok := Preset(name)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (have %v)", name, PresetNames())
	}
	out := *c
	out.Profile = p
	return &out, nil
}
