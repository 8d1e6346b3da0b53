package domain

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MatchingOptions are the rules applied when matching a deposit.
type MatchingOptions struct {
	MinConfirmations      int             `json:"min_confirmations"`
	AbsoluteTolerance     decimal.Decimal `json:"absolute_tolerance"`
	PercentageTolerance   decimal.Decimal `json:"percentage_tolerance"`
	RequireKnownAddress   bool            `json:"require_known_address"`
	AllowMultipleDeposits bool            `json:"allow_multiple_deposits"`
}

// DefaultMatchingOptions are used when no policy file overrides them.
func DefaultMatchingOptions() MatchingOptions {
	return MatchingOptions{
		MinConfirmations:      1,
		AbsoluteTolerance:     decimal.Zero,
		PercentageTolerance:   decimal.Zero,
		RequireKnownAddress:   true,
		AllowMultipleDeposits: true,
	}
}

// RequiredConfirmations is the effective threshold for a deposit that itself
// reports required.
func (o MatchingOptions) RequiredConfirmations(required int) int {
	return max(o.MinConfirmations, required)
}

// Tolerance is max(absolute, expected*percentage).
func (o MatchingOptions) Tolerance(expected decimal.Decimal) decimal.Decimal {
	tol := o.AbsoluteTolerance
	if o.PercentageTolerance.IsPositive() {
		if pct := expected.Mul(o.PercentageTolerance); pct.GreaterThan(tol) {
			tol = pct
		}
	}
	return tol
}

func (o MatchingOptions) validate() error {
	if o.MinConfirmations < 0 {
		return fmt.Errorf("%w: min_confirmations must be >= 0", ErrValidation)
	}
	if o.AbsoluteTolerance.IsNegative() {
		return fmt.Errorf("%w: absolute_tolerance must be >= 0", ErrValidation)
	}
	if o.PercentageTolerance.IsNegative() || o.PercentageTolerance.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: percentage_tolerance must be within [0,1]", ErrValidation)
	}
	return nil
}

// OptionsOverride carries per-network values; nil fields fall back to defaults.
type OptionsOverride struct {
	MinConfirmations      *int
	AbsoluteTolerance     *decimal.Decimal
	PercentageTolerance   *decimal.Decimal
	RequireKnownAddress   *bool
	AllowMultipleDeposits *bool
}

func (o OptionsOverride) apply(base MatchingOptions) MatchingOptions {
	if o.MinConfirmations != nil {
		base.MinConfirmations = *o.MinConfirmations
	}
	if o.AbsoluteTolerance != nil {
		base.AbsoluteTolerance = *o.AbsoluteTolerance
	}
	if o.PercentageTolerance != nil {
		base.PercentageTolerance = *o.PercentageTolerance
	}
	if o.RequireKnownAddress != nil {
		base.RequireKnownAddress = *o.RequireKnownAddress
	}
	if o.AllowMultipleDeposits != nil {
		base.AllowMultipleDeposits = *o.AllowMultipleDeposits
	}
	return base
}

// Policy resolves MatchingOptions per (currency, network).
type Policy struct {
	defaults  MatchingOptions
	overrides map[string]OptionsOverride
}

// NewPolicy builds a resolver. Override keys are "<currency>:<network>" in any case.
func NewPolicy(defaults MatchingOptions, overrides map[string]OptionsOverride) *Policy {
	p := &Policy{defaults: defaults, overrides: make(map[string]OptionsOverride, len(overrides))}
	for k, v := range overrides {
		currency, network, _ := strings.Cut(k, ":")
		p.overrides[policyKey(currency, network)] = v
	}
	return p
}

// Defaults returns the global fallback options.
func (p *Policy) Defaults() MatchingOptions {
	return p.defaults
}

// Resolve never fails: unknown keys get the defaults.
func (p *Policy) Resolve(currency, network string) MatchingOptions {
	if o, ok := p.overrides[policyKey(currency, network)]; ok {
		return o.apply(p.defaults)
	}
	return p.defaults
}

func policyKey(currency, network string) string {
	return strings.ToUpper(strings.TrimSpace(currency)) + ":" + NormalizeNetwork(network)
}

type policyFileOptions struct {
	MinConfirmations      *int    `yaml:"min_confirmations"`
	AbsoluteTolerance     *string `yaml:"absolute_tolerance"`
	PercentageTolerance   *string `yaml:"percentage_tolerance"`
	RequireKnownAddress   *bool   `yaml:"require_known_address"`
	AllowMultipleDeposits *bool   `yaml:"allow_multiple_deposits"`
}

type policyFile struct {
	Defaults policyFileOptions            `yaml:"defaults"`
	Networks map[string]policyFileOptions `yaml:"networks"`
}

func (f policyFileOptions) override() (OptionsOverride, error) {
	o := OptionsOverride{
		MinConfirmations:      f.MinConfirmations,
		RequireKnownAddress:   f.RequireKnownAddress,
		AllowMultipleDeposits: f.AllowMultipleDeposits,
	}
	if f.AbsoluteTolerance != nil {
		d, err := decimal.NewFromString(*f.AbsoluteTolerance)
		if err != nil {
			return o, fmt.Errorf("absolute_tolerance: %w", err)
		}
		o.AbsoluteTolerance = &d
	}
	if f.PercentageTolerance != nil {
		d, err := decimal.NewFromString(*f.PercentageTolerance)
		if err != nil {
			return o, fmt.Errorf("percentage_tolerance: %w", err)
		}
		o.PercentageTolerance = &d
	}
	return o, nil
}

// ParsePolicy reads a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing matching policy: %w", err)
	}

	base, err := f.Defaults.override()
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	defaults := base.apply(DefaultMatchingOptions())
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	overrides := make(map[string]OptionsOverride, len(f.Networks))
	for key, raw := range f.Networks {
		o, err := raw.override()
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", key, err)
		}
		if err := o.apply(defaults).validate(); err != nil {
			return nil, fmt.Errorf("network %s: %w", key, err)
		}
		overrides[key] = o
	}
	return NewPolicy(defaults, overrides), nil
}

// LoadPolicy reads the policy file at path; an empty path gives the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return NewPolicy(DefaultMatchingOptions(), nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading matching policy: %w", err)
	}
	return ParsePolicy(data)
}
