package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BonusExpiryPolicy controls whether bonus sessions die with their granting
// period or carry forward indefinitely.
type BonusExpiryPolicy string

const (
	BonusExpiresWithPeriod BonusExpiryPolicy = "period"
	BonusNeverExpires      BonusExpiryPolicy = "never"
)

// ScenarioFactors scale churn and growth independently for one projection
// scenario.
type ScenarioFactors struct {
	Churn  float64 `mapstructure:"churn"`
	Growth float64 `mapstructure:"growth"`
}

// BillingConfig carries the tunable billing policy knobs.
type BillingConfig struct {
	// RetryOffsetsDays is the failed-invoice retry ladder; its length is the
	// retry budget.
	RetryOffsetsDays []int `mapstructure:"retryOffsetsDays"`

	MaxFreezeDays       int                        `mapstructure:"maxFreezeDays"`
	TrialAutoActivate   bool                       `mapstructure:"trialAutoActivate"`
	BonusExpiry         BonusExpiryPolicy          `mapstructure:"bonusExpiry"`
	RetentionWindowDays int                        `mapstructure:"retentionWindowDays"`
	PaymentTimeoutSecs  int                        `mapstructure:"paymentTimeoutSecs"`
	ProjectionScenarios map[string]ScenarioFactors `mapstructure:"projectionScenarios"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		RetryOffsetsDays:    []int{2, 5, 10},
		MaxFreezeDays:       30,
		TrialAutoActivate:   true,
		BonusExpiry:         BonusExpiresWithPeriod,
		RetentionWindowDays: 90,
		PaymentTimeoutSecs:  10,
		ProjectionScenarios: map[string]ScenarioFactors{
			"optimistic":  {Churn: 0.7, Growth: 1.3},
			"realistic":   {Churn: 1.0, Growth: 1.0},
			"pessimistic": {Churn: 1.5, Growth: 0.7},
		},
	}
}

func (c BillingConfig) MaxRetries() int { return len(c.RetryOffsetsDays) }

// BillingConfigHolder serves the current BillingConfig and hot-reloads it when
// billing.yml changes on disk.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/cadence/config")
	v.AddConfigPath("/etc/cadence")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := defaults
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultBillingConfig()
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *BillingConfigHolder) Current() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func (c BillingConfig) withDefaults() BillingConfig {
	defaults := DefaultBillingConfig()
	if len(c.RetryOffsetsDays) == 0 {
		c.RetryOffsetsDays = defaults.RetryOffsetsDays
	}
	if c.MaxFreezeDays <= 0 {
		c.MaxFreezeDays = defaults.MaxFreezeDays
	}
	if c.BonusExpiry == "" {
		c.BonusExpiry = defaults.BonusExpiry
	}
	if c.RetentionWindowDays <= 0 {
		c.RetentionWindowDays = defaults.RetentionWindowDays
	}
	if c.PaymentTimeoutSecs <= 0 {
		c.PaymentTimeoutSecs = defaults.PaymentTimeoutSecs
	}
	if len(c.ProjectionScenarios) == 0 {
		c.ProjectionScenarios = defaults.ProjectionScenarios
	}
	return c
}

func validateBillingConfig(cfg BillingConfig) error {
	for _, offset := range cfg.RetryOffsetsDays {
		if offset <= 0 {
			return errors.New("billing config: retry offsets must be positive")
		}
	}
	switch cfg.BonusExpiry {
	case BonusExpiresWithPeriod, BonusNeverExpires:
	default:
		return errors.New("billing config: unknown bonus expiry policy")
	}
	for name, factors := range cfg.ProjectionScenarios {
		if factors.Churn < 0 || factors.Growth < 0 {
			return errors.New("billing config: negative factors for scenario " + name)
		}
	}
	return nil
}
