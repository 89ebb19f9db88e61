package config

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMissingField is wrapped by every "required field absent" error.
var ErrMissingField = errors.New("missing required field")

// Profile is a validated set of risk parameters. Fractions are of the
// account balance (risk_fraction, per_trade_risk_cap) or of the inception
// balance (daily_loss_limit, overall_drawdown_limit).
type Profile struct {
	Name                 string
	RiskFraction         float64       // 0.01
	DailyLossLimit       float64       // 0.04
	OverallDrawdownLimit float64       // 0.10
	MaxTradesPerDay      int           // 15
	Cooldown             time.Duration // 5m
	PerTradeRiskCap      float64       // 0.02

	MaxConsecutiveLosses int           // 4, 0 disables the breaker
	WarnRatio            float64       // 0.6 of a hard limit
	RecoveryMultiplier   float64       // 0.5 while recovering
	RecoveryWindow       time.Duration // 1h
}

// profileFields is the on-disk form of a profile. Pointers let Load tell
// an absent field from an explicit zero.
type profileFields struct {
	RiskFraction          *float64 `json:"risk_fraction,omitempty" yaml:"risk_fraction,omitempty"`
	DailyLossLimit        *float64 `json:"daily_loss_limit,omitempty" yaml:"daily_loss_limit,omitempty"`
	OverallDrawdownLimit  *float64 `json:"overall_drawdown_limit,omitempty" yaml:"overall_drawdown_limit,omitempty"`
	MaxTradesPerDay       *int     `json:"max_trades_per_day,omitempty" yaml:"max_trades_per_day,omitempty"`
	CooldownSeconds       *int     `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
	PerTradeRiskCap       *float64 `json:"per_trade_risk_cap,omitempty" yaml:"per_trade_risk_cap,omitempty"`
	MaxConsecutiveLosses  *int     `json:"max_consecutive_losses,omitempty" yaml:"max_consecutive_losses,omitempty"`
	WarnRatio             *float64 `json:"warn_ratio,omitempty" yaml:"warn_ratio,omitempty"`
	RecoveryMultiplier    *float64 `json:"recovery_multiplier,omitempty" yaml:"recovery_multiplier,omitempty"`
	RecoveryWindowSeconds *int     `json:"recovery_window_seconds,omitempty" yaml:"recovery_window_seconds,omitempty"`
}

var presets = map[string]Profile{
	"conservative": {
		Name:                 "conservative",
		RiskFraction:         0.005,
		DailyLossLimit:       0.03,
		OverallDrawdownLimit: 0.08,
		MaxTradesPerDay:      10,
		Cooldown:             600 * time.Second,
		PerTradeRiskCap:      0.015,
		MaxConsecutiveLosses: 3,
		WarnRatio:            0.6,
		RecoveryMultiplier:   0.5,
		RecoveryWindow:       time.Hour,
	},
	"moderate": {
		Name:                 "moderate",
		RiskFraction:         0.01,
		DailyLossLimit:       0.04,
		OverallDrawdownLimit: 0.10,
		MaxTradesPerDay:      15,
		Cooldown:             300 * time.Second,
		PerTradeRiskCap:      0.02,
		MaxConsecutiveLosses: 4,
		WarnRatio:            0.6,
		RecoveryMultiplier:   0.5,
		RecoveryWindow:       time.Hour,
	},
	"aggressive": {
		Name:                 "aggressive",
		RiskFraction:         0.015,
		DailyLossLimit:       0.06,
		OverallDrawdownLimit: 0.12,
		MaxTradesPerDay:      20,
		Cooldown:             180 * time.Second,
		PerTradeRiskCap:      0.03,
		MaxConsecutiveLosses: 5,
		WarnRatio:            0.8,
		RecoveryMultiplier:   0.75,
		RecoveryWindow:       30 * time.Minute,
	},
}

// Preset returns a built-in profile by name.
func Preset(name string) (Profile, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the built-in profiles in name order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolve builds a Profile from a name and the fields present in a file.
// A preset name supplies every field the file omits. Any other name is a
// custom profile and must carry the six core fields itself.
func resolve(name string, f profileFields) (Profile, error) {
	if name == "" {
		return Profile{}, fmt.Errorf("profile: %w \"profile\"", ErrMissingField)
	}

	p, isPreset := presets[name]
	if !isPreset {
		p = Profile{Name: name, WarnRatio: 0.6, RecoveryMultiplier: 0.5, RecoveryWindow: time.Hour}
		required := []struct {
			key     string
			present bool
		}{
			{"risk_fraction", f.RiskFraction != nil},
			{"daily_loss_limit", f.DailyLossLimit != nil},
			{"overall_drawdown_limit", f.OverallDrawdownLimit != nil},
			{"max_trades_per_day", f.MaxTradesPerDay != nil},
			{"cooldown_seconds", f.CooldownSeconds != nil},
			{"per_trade_risk_cap", f.PerTradeRiskCap != nil},
		}
		for _, r := range required {
			if !r.present {
				return Profile{}, fmt.Errorf("profile %q: %w %q", name, ErrMissingField, r.key)
			}
		}
	}

	if f.RiskFraction != nil {
		p.RiskFraction = *f.RiskFraction
	}
	if f.DailyLossLimit != nil {
		p.DailyLossLimit = *f.DailyLossLimit
	}
	if f.OverallDrawdownLimit != nil {
		p.OverallDrawdownLimit = *f.OverallDrawdownLimit
	}
	if f.MaxTradesPerDay != nil {
		p.MaxTradesPerDay = *f.MaxTradesPerDay
	}
	if f.CooldownSeconds != nil {
		p.Cooldown = time.Duration(*f.CooldownSeconds) * time.Second
	}
	if f.PerTradeRiskCap != nil {
		p.PerTradeRiskCap = *f.PerTradeRiskCap
	}
	if f.MaxConsecutiveLosses != nil {
		p.MaxConsecutiveLosses = *f.MaxConsecutiveLosses
	}
	if f.WarnRatio != nil {
		p.WarnRatio = *f.WarnRatio
	}
	if f.RecoveryMultiplier != nil {
		p.RecoveryMultiplier = *f.RecoveryMultiplier
	}
	if f.RecoveryWindowSeconds != nil {
		p.RecoveryWindow = time.Duration(*f.RecoveryWindowSeconds) * time.Second
	}
	return p, p.Validate()
}

func (p Profile) fields() profileFields {
	cd := int(p.Cooldown / time.Second)
	rw := int(p.RecoveryWindow / time.Second)
	return profileFields{
		RiskFraction:          &p.RiskFraction,
		DailyLossLimit:        &p.DailyLossLimit,
		OverallDrawdownLimit:  &p.OverallDrawdownLimit,
		MaxTradesPerDay:       &p.MaxTradesPerDay,
		CooldownSeconds:       &cd,
		PerTradeRiskCap:       &p.PerTradeRiskCap,
		MaxConsecutiveLosses:  &p.MaxConsecutiveLosses,
		WarnRatio:             &p.WarnRatio,
		RecoveryMultiplier:    &p.RecoveryMultiplier,
		RecoveryWindowSeconds: &rw,
	}
}

// Validate checks profile ranges.
func (p Profile) Validate() error {
	frac := func(key string, v float64) error {
		if v <= 0 || v > 1 {
			return fmt.Errorf("profile %q: %s must be in (0, 1], got %v", p.Name, key, v)
		}
		return nil
	}
	if err := frac("risk_fraction", p.RiskFraction); err != nil {
		return err
	}
	if err := frac("daily_loss_limit", p.DailyLossLimit); err != nil {
		return err
	}
	if err := frac("overall_drawdown_limit", p.OverallDrawdownLimit); err != nil {
		return err
	}
	if err := frac("per_trade_risk_cap", p.PerTradeRiskCap); err != nil {
		return err
	}
	if err := frac("recovery_multiplier", p.RecoveryMultiplier); err != nil {
		return err
	}
	if p.MaxTradesPerDay <= 0 {
		return fmt.Errorf("profile %q: max_trades_per_day must be positive", p.Name)
	}
	if p.Cooldown < 0 || p.RecoveryWindow < 0 {
		return fmt.Errorf("profile %q: durations must not be negative", p.Name)
	}
	if p.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("profile %q: max_consecutive_losses must not be negative", p.Name)
	}
	if p.WarnRatio <= 0 || p.WarnRatio >= 1 {
		return fmt.Errorf("profile %q: warn_ratio must be in (0, 1), got %v", p.Name, p.WarnRatio)
	}
	return nil
}
