package settlement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// DefaultPoolPercent is the share of net profit distributed to contractors.
var DefaultPoolPercent = decimal.NewFromInt(60)

// Contractor is a party entitled to a percent of the monthly net profit.
type Contractor struct {
	ID             string          `json:"id" validate:"required,max=64"`
	Name           string          `json:"name" validate:"required,max=200"`
	DefaultPercent decimal.Decimal `json:"default_percent"`
}

// Config holds the allocation parameters.
type Config struct {
	PoolPercent decimal.Decimal
	Contractors []Contractor `validate:"required,min=1,dive"`
	TimeZone    string       `validate:"omitempty,timezone"`
}

// DefaultContractors splits the default pool evenly between two contractors.
func DefaultContractors() []Contractor {
	return []Contractor{
		{ID: "contractor_a", Name: "Contractor A", DefaultPercent: decimal.NewFromInt(30)},
		{ID: "contractor_b", Name: "Contractor B", DefaultPercent: decimal.NewFromInt(30)},
	}
}

// LoadConfig reads SETTLEMENT_POOL_PERCENT, CONTRACTORS (JSON list) and
// BUSINESS_TZ.
func LoadConfig() (Config, error) {
	cfg := Config{
		PoolPercent: DefaultPoolPercent,
		Contractors: DefaultContractors(),
		TimeZone:    env.GetEnv("BUSINESS_TZ", "UTC"),
	}

	if raw := env.GetEnv("SETTLEMENT_POOL_PERCENT", ""); raw != "" {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return cfg, fmt.Errorf("SETTLEMENT_POOL_PERCENT: %w", err)
		}
		cfg.PoolPercent = pct
	}
	if raw := env.GetEnv("CONTRACTORS", ""); raw != "" {
		var contractors []Contractor
		if err := json.Unmarshal([]byte(raw), &contractors); err != nil {
			return cfg, fmt.Errorf("CONTRACTORS: %w", err)
		}
		cfg.Contractors = contractors
	}
	return cfg, cfg.Validate()
}

// Validate checks the struct tags, unique contractor ids and that the
// default percents add up to the pool percent.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid settlement config: %w", err)
	}
	hundred := decimal.NewFromInt(100)
	if !c.PoolPercent.IsPositive() || c.PoolPercent.GreaterThan(hundred) {
		return fmt.Errorf("invalid settlement config: pool percent %s must be in (0, 100]", c.PoolPercent)
	}

	seen := make(map[string]struct{}, len(c.Contractors))
	sum := decimal.Zero
	for _, ct := range c.Contractors {
		if _, dup := seen[ct.ID]; dup {
			return fmt.Errorf("invalid settlement config: duplicate contractor id %q", ct.ID)
		}
		seen[ct.ID] = struct{}{}
		if ct.DefaultPercent.IsNegative() {
			return fmt.Errorf("invalid settlement config: contractor %s has a negative percent", ct.ID)
		}
		sum = sum.Add(ct.DefaultPercent)
	}
	if !sum.Equal(c.PoolPercent) {
		return fmt.Errorf("invalid settlement config: contractor percents sum to %s, pool is %s", sum, c.PoolPercent)
	}
	return nil
}

// Location resolves TimeZone, defaulting to UTC.
func (c Config) Location() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
