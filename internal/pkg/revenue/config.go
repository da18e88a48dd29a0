package revenue

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// DefaultFeeRate is the flat processor fee estimate (3.6%).
var DefaultFeeRate = decimal.RequireFromString("0.036")

// Config holds the environment-driven reconciliation settings.
type Config struct {
	StripeSecretKey string  `validate:"required"`
	FeeRate         float64 `validate:"gte=0,lt=1"`
	FeeMode         string  `validate:"oneof=estimate actual"`
	PageSize        int     `validate:"gte=1,lte=100"`
	MaxAttempts     int     `validate:"gte=1,lte=10"`
	TimeZone        string  `validate:"required"`
	Vocabulary      []string
	Keywords        []string
}

// LoadConfig reads PROCESSOR_* and STRIPE_* variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		StripeSecretKey: env.GetEnv("STRIPE_SECRET_KEY", ""),
		FeeRate:         env.GetFloat("PROCESSOR_FEE_RATE", DefaultFeeRate.InexactFloat64()),
		FeeMode:         env.GetEnv("PROCESSOR_FEE_MODE", string(FeeModeEstimate)),
		PageSize:        env.GetInt("PROCESSOR_PAGE_SIZE", MaxPageSize),
		MaxAttempts:     env.GetInt("PROCESSOR_MAX_ATTEMPTS", DefaultMaxAttempts),
		TimeZone:        env.GetEnv("BUSINESS_TZ", "UTC"),
		Vocabulary:      splitList(env.GetEnv("REVENUE_PRODUCT_VOCABULARY", "")),
		Keywords:        splitList(env.GetEnv("REVENUE_SUBSCRIPTION_KEYWORDS", "")),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid revenue config: %w", err)
	}
	return cfg, nil
}

// Location resolves the business time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

// Rules builds classifier rules from the config and the plan catalog.
func (c *Config) Rules(catalog *entitlements.Catalog, priceAliases map[string]string) Rules {
	return Rules{
		FeeRate:              decimal.NewFromFloat(c.FeeRate),
		FeeMode:              FeeMode(c.FeeMode),
		ProductVocabulary:    c.Vocabulary,
		SubscriptionKeywords: c.Keywords,
		Catalog:              catalog,
		PriceAliases:         priceAliases,
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
