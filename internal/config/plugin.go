// Package config parses and validates relay configuration.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/relay/errs"
)

// Default values applied when a key is absent.
const (
	DefaultMinFee            int64 = 5000
	DefaultFeePercentageBps  int64 = 10
	DefaultMaxBundleSize           = 100
	DefaultMaxPriceAge             = 30
	DefaultUpdateIntervalMs        = 1000
	DefaultRefreshTimeoutMs        = 250
	DefaultCacheCapacity           = 1000
	DefaultOracleWorkers           = 4
	DefaultOracleQueueDepth        = 64
	DefaultInjectionFee      int64 = 10000
	DefaultComplexityFee     int64 = 2000
	DefaultComplexityLimit         = 5
	DefaultBoostBps          int64 = 500
	DefaultMaxBoost          int64 = 100000
	DefaultArbitrageBps      int64 = 50
	DefaultInstitutionalFee  int64 = 15000
	DefaultArbitrageFee      int64 = 5000
	DefaultInstitutionalStep int64 = 1000
	DefaultInstitutionalSize       = 10
	DefaultLowConfidence           = "1.5"
	DefaultRiskWindow              = "24h"
	DefaultMaxNotional             = "10000000000000"
	DefaultMaxPositionSize         = "1000000000000"

	maxFeePercentageBps = 10_000
)

// PluginConfig is the full processing configuration supplied at Init.
// Keys are identical in YAML and JSON form.
type PluginConfig struct {
	MinFee             int64               `yaml:"min_fee" json:"min_fee"`
	FeePercentageBps   int64               `yaml:"fee_percentage_bps" json:"fee_percentage_bps"`
	PerTransactionFee  int64               `yaml:"per_transaction_fee" json:"per_transaction_fee"`
	MaxBundleSize      int                 `yaml:"max_bundle_size" json:"max_bundle_size"`
	EnableMetrics      bool                `yaml:"enable_metrics" json:"enable_metrics"`
	RequireAttestation bool                `yaml:"require_attestation" json:"require_attestation"`
	MaxComputeLimit    uint32              `yaml:"max_compute_limit" json:"max_compute_limit"`
	Oracle             OracleConfig        `yaml:"oracle" json:"oracle"`
	Institutional      InstitutionalConfig `yaml:"institutional" json:"institutional"`
}

// OracleConfig configures price fetching, caching and injection.
type OracleConfig struct {
	Enabled              bool              `yaml:"enabled" json:"enabled"`
	MaxPriceAgeSeconds   int               `yaml:"max_price_age_seconds" json:"max_price_age_seconds"`
	UpdateIntervalMs     int               `yaml:"update_interval_ms" json:"update_interval_ms"`
	VerificationLevel    int               `yaml:"verification_level" json:"verification_level"`
	RefreshTimeoutMs     int               `yaml:"refresh_timeout_ms" json:"refresh_timeout_ms"`
	CacheCapacity        int               `yaml:"cache_capacity" json:"cache_capacity"`
	Workers              int               `yaml:"workers" json:"workers"`
	QueueDepth           int               `yaml:"queue_depth" json:"queue_depth"`
	Strict               bool              `yaml:"strict" json:"strict"`
	LowConfidencePenalty string            `yaml:"low_confidence_penalty" json:"low_confidence_penalty"`
	InjectionFee         int64             `yaml:"injection_fee" json:"injection_fee"`
	ComplexityFee        int64             `yaml:"complexity_fee" json:"complexity_fee"`
	ComplexityThreshold  int               `yaml:"complexity_threshold" json:"complexity_threshold"`
	Accounts             map[string]string `yaml:"accounts" json:"accounts,omitempty"`
}

// InstitutionalConfig configures prioritisation, compliance and risk policy.
type InstitutionalConfig struct {
	Enabled                bool                   `yaml:"enabled" json:"enabled"`
	Strict                 bool                   `yaml:"strict" json:"strict"`
	Institutions           []Institution          `yaml:"institutions" json:"institutions,omitempty"`
	MarketMakerBoostBps    int64                  `yaml:"market_maker_boost_bps" json:"market_maker_boost_bps"`
	MaxBoost               int64                  `yaml:"max_boost" json:"max_boost"`
	ArbitrageThresholdBps  int64                  `yaml:"arbitrage_threshold_bps" json:"arbitrage_threshold_bps"`
	BaseFee                int64                  `yaml:"base_fee" json:"base_fee"`
	ArbitrageFee           int64                  `yaml:"arbitrage_fee" json:"arbitrage_fee"`
	ComplexityFee          int64                  `yaml:"complexity_fee" json:"complexity_fee"`
	ComplexityThreshold    int                    `yaml:"complexity_threshold" json:"complexity_threshold"`
	RiskLimits             RiskLimits             `yaml:"risk_limits" json:"risk_limits"`
	ComplianceRequirements ComplianceRequirements `yaml:"compliance_requirements" json:"compliance_requirements"`
}

// Institution registers a participant whose transactions carry its id.
type Institution struct {
	ID           string `yaml:"id" json:"id"`
	MarketMaker  bool   `yaml:"market_maker" json:"market_maker"`
	KYC          bool   `yaml:"kyc" json:"kyc"`
	AML          bool   `yaml:"aml" json:"aml"`
	Jurisdiction string `yaml:"jurisdiction" json:"jurisdiction"`
}

// RiskLimits bounds institutional exposure. Amounts are decimal strings.
type RiskLimits struct {
	MaxNotional         string                  `yaml:"max_notional" json:"max_notional"`
	Window              string                  `yaml:"window" json:"window"`
	MaxPositionSize     string                  `yaml:"max_position_size" json:"max_position_size"`
	MaxBundlesPerSecond float64                 `yaml:"max_bundles_per_second" json:"max_bundles_per_second"`
	Burst               int                     `yaml:"burst" json:"burst"`
	Overrides           map[string]RiskOverride `yaml:"overrides" json:"overrides,omitempty"`
}

// RiskOverride replaces individual limits for one institution. Empty fields
// inherit the shared limit.
type RiskOverride struct {
	MaxNotional         string  `yaml:"max_notional" json:"max_notional,omitempty"`
	MaxPositionSize     string  `yaml:"max_position_size" json:"max_position_size,omitempty"`
	MaxBundlesPerSecond float64 `yaml:"max_bundles_per_second" json:"max_bundles_per_second,omitempty"`
	Burst               int     `yaml:"burst" json:"burst,omitempty"`
}

// ComplianceRequirements lists the markers an institution must carry.
type ComplianceRequirements struct {
	KYCRequired             bool     `yaml:"kyc_required" json:"kyc_required"`
	AMLScreening            bool     `yaml:"aml_screening" json:"aml_screening"`
	RestrictedJurisdictions []string `yaml:"restricted_jurisdictions" json:"restricted_jurisdictions,omitempty"`
	RuleScript              string   `yaml:"rule_script" json:"rule_script,omitempty"`
}

// Default returns the configuration used for absent keys.
func Default() PluginConfig {
	return PluginConfig{
		MinFee:             DefaultMinFee,
		FeePercentageBps:   DefaultFeePercentageBps,
		PerTransactionFee:  0,
		MaxBundleSize:      DefaultMaxBundleSize,
		EnableMetrics:      true,
		RequireAttestation: false,
		Oracle: OracleConfig{
			Enabled:              false,
			MaxPriceAgeSeconds:   DefaultMaxPriceAge,
			UpdateIntervalMs:     DefaultUpdateIntervalMs,
			VerificationLevel:    2,
			RefreshTimeoutMs:     DefaultRefreshTimeoutMs,
			CacheCapacity:        DefaultCacheCapacity,
			Workers:              DefaultOracleWorkers,
			QueueDepth:           DefaultOracleQueueDepth,
			LowConfidencePenalty: DefaultLowConfidence,
			InjectionFee:         DefaultInjectionFee,
			ComplexityFee:        DefaultComplexityFee,
			ComplexityThreshold:  DefaultComplexityLimit,
		},
		Institutional: InstitutionalConfig{
			MarketMakerBoostBps:   DefaultBoostBps,
			MaxBoost:              DefaultMaxBoost,
			ArbitrageThresholdBps: DefaultArbitrageBps,
			BaseFee:               DefaultInstitutionalFee,
			ArbitrageFee:          DefaultArbitrageFee,
			ComplexityFee:         DefaultInstitutionalStep,
			ComplexityThreshold:   DefaultInstitutionalSize,
			RiskLimits: RiskLimits{
				MaxNotional:     DefaultMaxNotional,
				Window:          DefaultRiskWindow,
				MaxPositionSize: DefaultMaxPositionSize,
				Burst:           1,
			},
		},
	}
}

// Parse decodes YAML or JSON configuration over the defaults, then
// normalises and validates it. Failures carry errs.CodeInvalidConfig.
func Parse(data []byte) (PluginConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PluginConfig{}, invalid("malformed configuration", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return PluginConfig{}, invalid(err.Error(), nil)
	}
	return cfg, nil
}

func invalid(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("config/parse", errs.CodeInvalidConfig, opts...)
}

func (c *PluginConfig) normalise() {
	accounts := make(map[string]string, len(c.Oracle.Accounts))
	for symbol, account := range c.Oracle.Accounts {
		accounts[strings.TrimSpace(symbol)] = strings.TrimSpace(account)
	}
	if len(accounts) == 0 {
		accounts = nil
	}
	c.Oracle.Accounts = accounts
	c.Oracle.LowConfidencePenalty = strings.TrimSpace(c.Oracle.LowConfidencePenalty)
	if c.Oracle.LowConfidencePenalty == "" {
		c.Oracle.LowConfidencePenalty = DefaultLowConfidence
	}

	inst := &c.Institutional
	for i := range inst.Institutions {
		inst.Institutions[i].ID = strings.TrimSpace(inst.Institutions[i].ID)
		inst.Institutions[i].Jurisdiction = strings.ToUpper(strings.TrimSpace(inst.Institutions[i].Jurisdiction))
	}
	for i, j := range inst.ComplianceRequirements.RestrictedJurisdictions {
		inst.ComplianceRequirements.RestrictedJurisdictions[i] = strings.ToUpper(strings.TrimSpace(j))
	}
	inst.RiskLimits.MaxNotional = strings.TrimSpace(inst.RiskLimits.MaxNotional)
	inst.RiskLimits.MaxPositionSize = strings.TrimSpace(inst.RiskLimits.MaxPositionSize)
	inst.RiskLimits.Window = strings.TrimSpace(inst.RiskLimits.Window)
	if inst.RiskLimits.Window == "" {
		inst.RiskLimits.Window = DefaultRiskWindow
	}
	if inst.RiskLimits.Burst <= 0 {
		inst.RiskLimits.Burst = 1
	}
	if len(inst.RiskLimits.Overrides) == 0 {
		inst.RiskLimits.Overrides = nil
	}
}

// Validate performs semantic validation on the configuration.
func (c PluginConfig) Validate() error {
	if c.MinFee < 0 {
		return fmt.Errorf("min_fee must be >= 0")
	}
	if c.FeePercentageBps < 0 || c.FeePercentageBps > maxFeePercentageBps {
		return fmt.Errorf("fee_percentage_bps must be within [0, %d]", maxFeePercentageBps)
	}
	if c.PerTransactionFee < 0 {
		return fmt.Errorf("per_transaction_fee must be >= 0")
	}
	if c.MaxBundleSize <= 0 {
		return fmt.Errorf("max_bundle_size must be > 0")
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if err := c.Institutional.Validate(); err != nil {
		return fmt.Errorf("institutional: %w", err)
	}
	return nil
}

// Validate checks oracle settings.
func (o OracleConfig) Validate() error {
	if o.MaxPriceAgeSeconds <= 0 {
		return fmt.Errorf("max_price_age_seconds must be > 0")
	}
	if o.UpdateIntervalMs < 0 {
		return fmt.Errorf("update_interval_ms must be >= 0")
	}
	if o.VerificationLevel < 0 || o.VerificationLevel > 2 {
		return fmt.Errorf("verification_level must be 0, 1 or 2")
	}
	if o.RefreshTimeoutMs <= 0 {
		return fmt.Errorf("refresh_timeout_ms must be > 0")
	}
	if o.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be > 0")
	}
	if o.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if o.QueueDepth < 0 {
		return fmt.Errorf("queue_depth must be >= 0")
	}
	penalty, err := decimal.NewFromString(o.LowConfidencePenalty)
	if err != nil {
		return fmt.Errorf("low_confidence_penalty: %w", err)
	}
	if penalty.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("low_confidence_penalty must be >= 1")
	}
	if o.InjectionFee < 0 || o.ComplexityFee < 0 {
		return fmt.Errorf("injection_fee and complexity_fee must be >= 0")
	}
	if o.ComplexityThreshold < 0 {
		return fmt.Errorf("complexity_threshold must be >= 0")
	}
	for symbol, account := range o.Accounts {
		if symbol == "" || account == "" {
			return fmt.Errorf("accounts entries require symbol and account")
		}
	}
	return nil
}

// Validate checks institutional settings.
func (c InstitutionalConfig) Validate() error {
	if c.MarketMakerBoostBps < 0 {
		return fmt.Errorf("market_maker_boost_bps must be >= 0")
	}
	if c.MaxBoost < 0 {
		return fmt.Errorf("max_boost must be >= 0")
	}
	if c.ArbitrageThresholdBps <= 0 {
		return fmt.Errorf("arbitrage_threshold_bps must be > 0")
	}
	if c.BaseFee < 0 || c.ArbitrageFee < 0 || c.ComplexityFee < 0 {
		return fmt.Errorf("base_fee, arbitrage_fee and complexity_fee must be >= 0")
	}
	if c.ComplexityThreshold < 0 {
		return fmt.Errorf("complexity_threshold must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Institutions))
	for _, inst := range c.Institutions {
		if inst.ID == "" {
			return fmt.Errorf("institution id required")
		}
		if _, dup := seen[inst.ID]; dup {
			return fmt.Errorf("duplicate institution %q", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	if err := c.RiskLimits.Validate(); err != nil {
		return fmt.Errorf("risk_limits: %w", err)
	}
	return nil
}

// Validate checks limit values and overrides.
func (r RiskLimits) Validate() error {
	if _, err := parseAmount("max_notional", r.MaxNotional); err != nil {
		return err
	}
	if _, err := parseAmount("max_position_size", r.MaxPositionSize); err != nil {
		return err
	}
	window, err := time.ParseDuration(r.Window)
	if err != nil {
		return fmt.Errorf("window: %w", err)
	}
	if window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	if r.MaxBundlesPerSecond < 0 {
		return fmt.Errorf("max_bundles_per_second must be >= 0")
	}
	for id, o := range r.Overrides {
		if o.MaxNotional != "" {
			if _, err := parseAmount("overrides."+id+".max_notional", o.MaxNotional); err != nil {
				return err
			}
		}
		if o.MaxPositionSize != "" {
			if _, err := parseAmount("overrides."+id+".max_position_size", o.MaxPositionSize); err != nil {
				return err
			}
		}
		if o.MaxBundlesPerSecond < 0 || o.Burst < 0 {
			return fmt.Errorf("overrides.%s: rate and burst must be >= 0", id)
		}
	}
	return nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must be >= 0", field)
	}
	return value, nil
}

// MaxPriceAge returns the staleness bound.
func (o OracleConfig) MaxPriceAge() time.Duration {
	return time.Duration(o.MaxPriceAgeSeconds) * time.Second
}

// UpdateInterval returns the minimum spacing between refreshes of one symbol.
func (o OracleConfig) UpdateInterval() time.Duration {
	return time.Duration(o.UpdateIntervalMs) * time.Millisecond
}

// RefreshTimeout returns how long a caller waits for a refresh.
func (o OracleConfig) RefreshTimeout() time.Duration {
	return time.Duration(o.RefreshTimeoutMs) * time.Millisecond
}

// Penalty returns the low-confidence fee multiplier. Validate guarantees it parses.
func (o OracleConfig) Penalty() decimal.Decimal {
	penalty, err := decimal.NewFromString(o.LowConfidencePenalty)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return penalty
}

// SortedSymbols lists the configured account symbols.
func (o OracleConfig) SortedSymbols() []string {
	out := make([]string, 0, len(o.Accounts))
	for symbol := range o.Accounts {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Limits resolved for one institution.
type Limits struct {
	MaxNotional         decimal.Decimal
	MaxPositionSize     decimal.Decimal
	Window              time.Duration
	MaxBundlesPerSecond float64
	Burst               int
}

// For resolves the effective limits for an institution, applying overrides.
func (r RiskLimits) For(id string) Limits {
	limits := Limits{
		MaxNotional:         decimal.RequireFromString(orDefault(r.MaxNotional, DefaultMaxNotional)),
		MaxPositionSize:     decimal.RequireFromString(orDefault(r.MaxPositionSize, DefaultMaxPositionSize)),
		MaxBundlesPerSecond: r.MaxBundlesPerSecond,
		Burst:               r.Burst,
	}
	limits.Window, _ = time.ParseDuration(orDefault(r.Window, DefaultRiskWindow))
	if o, ok := r.Overrides[id]; ok {
		if o.MaxNotional != "" {
			limits.MaxNotional = decimal.RequireFromString(o.MaxNotional)
		}
		if o.MaxPositionSize != "" {
			limits.MaxPositionSize = decimal.RequireFromString(o.MaxPositionSize)
		}
		if o.MaxBundlesPerSecond > 0 {
			limits.MaxBundlesPerSecond = o.MaxBundlesPerSecond
		}
		if o.Burst > 0 {
			limits.Burst = o.Burst
		}
	}
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	return limits
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
