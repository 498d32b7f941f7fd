package corroborate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy bounds how far a broker execution may drift from the ledger's
// account of the same action and still count as corroborating it.
type Policy struct {
	// Maximum |ledger time - broker time| in seconds
	TimeToleranceSeconds int64 `yaml:"time_tolerance_seconds"`

	// Maximum |ledger price - broker price| in price points
	// (1 point = the smallest price increment, 1e-5)
	PriceTolerancePoints int64 `yaml:"price_tolerance_points"`
}

// DefaultPolicy tolerates 90 seconds of clock drift and 10 points of
// price slippage.
func DefaultPolicy() Policy {
	return Policy{
		TimeToleranceSeconds: 90,
		PriceTolerancePoints: 10,
	}
}

// LoadPolicy reads a policy file, filling omitted fields from the
// defaults. An empty path returns the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.TimeToleranceSeconds < 0 {
		return fmt.Errorf("time_tolerance_seconds cannot be negative, got %d", p.TimeToleranceSeconds)
	}
	if p.PriceTolerancePoints < 0 {
		return fmt.Errorf("price_tolerance_points cannot be negative, got %d", p.PriceTolerancePoints)
	}
	return nil
}
