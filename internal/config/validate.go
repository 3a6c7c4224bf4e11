package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marketcalls/feedmux/internal/model"
)

var validate = validator.New()

// Validate checks that all required fields are set and values are valid.
// Range and presence rules live in struct tags; cross-field rules that tags
// cannot express are checked here.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config field %s fails rule %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("validate struct: %w", err)
	}

	if c.Adapter.BackoffMin <= 0 {
		return errors.New("adapter.backoff_min must be positive")
	}
	if c.Adapter.BackoffMax < c.Adapter.BackoffMin {
		return fmt.Errorf("adapter.backoff_max (%v) cannot be below backoff_min (%v)",
			c.Adapter.BackoffMax, c.Adapter.BackoffMin)
	}
	if c.Adapter.PingInterval <= 0 {
		return errors.New("adapter.ping_interval must be positive")
	}
	if c.Adapter.StaleAfter <= c.Adapter.PingInterval {
		return fmt.Errorf("adapter.stale_after (%v) must exceed ping_interval (%v)",
			c.Adapter.StaleAfter, c.Adapter.PingInterval)
	}

	seen := make(map[string]bool, len(c.Brokers))
	for _, b := range c.Brokers {
		if seen[b.Name] {
			return fmt.Errorf("brokers: duplicate name %q", b.Name)
		}
		seen[b.Name] = true

		for _, s := range b.Subscriptions {
			if _, err := model.ParseKey(s); err != nil {
				return fmt.Errorf("brokers.%s: %w", b.Name, err)
			}
		}
	}

	return nil
}
