package math

import (
	"fmt"
	"strings"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig  = DecimalConfig{DecimalPrecision: 5, Scale: 100_000} // 0.00001 (5-digit FX quote)
	MoneyConfig  = DecimalConfig{DecimalPrecision: 2, Scale: 100}     // 0.01 account currency
	VolumeConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}     // 0.01 lot
)

// ParseFixed converts a decimal string ("1.2345", "-10.50") to a scaled int64
// without ever routing through floating point. Digits beyond the config's
// precision are rejected rather than rounded, so a value either survives a
// parse/format round-trip exactly or fails loudly.
func ParseFixed(s string, cfg DecimalConfig) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("parse fixed: empty input")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return 0, fmt.Errorf("parse fixed: no digits")
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart = s[:i]
		fracPart = s[i+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return 0, fmt.Errorf("parse fixed: multiple decimal points in %q", s)
		}
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > cfg.DecimalPrecision {
		return 0, fmt.Errorf("parse fixed: %q exceeds %d decimal places", s, cfg.DecimalPrecision)
	}

	var v int64
	for i := 0; i < len(intPart); i++ {
		c := intPart[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("parse fixed: invalid digit %q in %q", c, s)
		}
		d := int64(c - '0')
		if v > (1<<63-1-d)/10 {
			return 0, fmt.Errorf("parse fixed: %q overflows int64", s)
		}
		v = v*10 + d
	}

	frac := int64(0)
	for i := 0; i < len(fracPart); i++ {
		c := fracPart[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("parse fixed: invalid digit %q in %q", c, s)
		}
		frac = frac*10 + int64(c-'0')
	}
	for i := len(fracPart); i < cfg.DecimalPrecision; i++ {
		frac *= 10
	}

	if v > ((1<<63-1)-frac)/cfg.Scale {
		return 0, fmt.Errorf("parse fixed: %q overflows int64", s)
	}
	v = v*cfg.Scale + frac

	if neg {
		v = -v
	}
	return v, nil
}

// FormatFixed renders a scaled int64 as a decimal string with the config's
// full precision ("123450" at price scale -> "1.23450").
func FormatFixed(v int64, cfg DecimalConfig) string {
	sign := ""
	u := v
	if u < 0 {
		sign = "-"
		u = -u
	}
	whole := u / cfg.Scale
	frac := u % cfg.Scale
	if cfg.DecimalPrecision == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	return fmt.Sprintf("%s%d.%0*d", sign, whole, cfg.DecimalPrecision, frac)
}

// Abs64 returns |v|. Callers guarantee v != math.MinInt64.
func Abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// WithinTolerance reports whether a and b differ by at most tol scaled units.
func WithinTolerance(a, b, tol int64) bool {
	return Abs64(a-b) <= tol
}
