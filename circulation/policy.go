package circulation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the configuration constants injected at startup.
type Policy struct {
	// LateFeePerDay applies when a book has no override.
	LateFeePerDay decimal.Decimal

	// HoldDuration is how long a fulfilled reservation pins its copy.
	HoldDuration time.Duration

	MinRenewalDays     int
	MaxRenewalDays     int
	DefaultRenewalDays int

	// DueSoonWindow is how far ahead of the due date a reminder goes out.
	DueSoonWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		LateFeePerDay:      decimal.NewFromInt(1),
		HoldDuration:       48 * time.Hour,
		MinRenewalDays:     1,
		MaxRenewalDays:     30,
		DefaultRenewalDays: 14,
		DueSoonWindow:      48 * time.Hour,
	}
}

func (p Policy) Validate() error {
	if p.LateFeePerDay.IsNegative() {
		return fmt.Errorf("late fee per day must not be negative: %s", p.LateFeePerDay)
	}
	if p.HoldDuration <= 0 {
		return fmt.Errorf("hold duration must be positive: %s", p.HoldDuration)
	}
	if p.MinRenewalDays < 1 || p.MaxRenewalDays < p.MinRenewalDays {
		return fmt.Errorf("invalid renewal bounds [%d, %d]", p.MinRenewalDays, p.MaxRenewalDays)
	}
	if p.DefaultRenewalDays < p.MinRenewalDays || p.DefaultRenewalDays > p.MaxRenewalDays {
		return fmt.Errorf("default renewal days %d outside [%d, %d]", p.DefaultRenewalDays, p.MinRenewalDays, p.MaxRenewalDays)
	}
	if p.DueSoonWindow < 0 {
		return fmt.Errorf("due soon window must not be negative: %s", p.DueSoonWindow)
	}
	return nil
}
