package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// PolicyConfig is the configurable rule set applied to every new password.
type PolicyConfig struct {
	MinLength     int  `yaml:"min_length"`
	MaxLength     int  `yaml:"max_length"`
	RequireUpper  bool `yaml:"require_upper"`
	RequireLower  bool `yaml:"require_lower"`
	RequireDigit  bool `yaml:"require_digit"`
	RequireSymbol bool `yaml:"require_symbol"`
}

// Violation names one failed rule. The values are stable and safe to show
// to end users.
type Violation string

const (
	ViolationTooShort      Violation = "too_short"
	ViolationTooLong       Violation = "too_long"
	ViolationMissingUpper  Violation = "missing_upper"
	ViolationMissingLower  Violation = "missing_lower"
	ViolationMissingDigit  Violation = "missing_digit"
	ViolationMissingSymbol Violation = "missing_symbol"
)

// Policy checks candidate passwords against a [PolicyConfig].
type Policy struct {
	config PolicyConfig
}

// NewPolicy returns a Policy. A zero MinLength defaults to 10.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 10
	}
	return &Policy{config: cfg}
}

// Check returns every violated rule, or nil when candidate is acceptable.
// Length is counted in runes.
func (p *Policy) Check(candidate string) []Violation {
	var out []Violation

	n := utf8.RuneCountInString(candidate)
	if n < p.config.MinLength {
		out = append(out, ViolationTooShort)
	}
	if p.config.MaxLength > 0 && n > p.config.MaxLength {
		out = append(out, ViolationTooLong)
	}

	var upper, lower, digit, symbol bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			symbol = true
		}
	}

	if p.config.RequireUpper && !upper {
		out = append(out, ViolationMissingUpper)
	}
	if p.config.RequireLower && !lower {
		out = append(out, ViolationMissingLower)
	}
	if p.config.RequireDigit && !digit {
		out = append(out, ViolationMissingDigit)
	}
	if p.config.RequireSymbol && !symbol {
		out = append(out, ViolationMissingSymbol)
	}

	return out
}

// Join renders violations as a comma separated list.
func Join(vs []Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}
