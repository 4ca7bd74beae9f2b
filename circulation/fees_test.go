package circulation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/circulation-engine/circulation"
)

func TestComputeFee(t *testing.T) {
	due := time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)
	one := dec("1.00")

	tests := []struct {
		name     string
		returned time.Time
		rate     string
		fee      string
		daysLate int
	}{
		{"early", due.Add(-48 * time.Hour), "1.00", "0", 0},
		{"exactly on due date", due, "1.00", "0", 0},
		{"less than a day late", due.Add(23 * time.Hour), "1.00", "0", 0},
		{"three days late", due.Add(3 * 24 * time.Hour), "1.00", "3.00", 3},
		{"partial days are floored", due.Add(3*24*time.Hour + 20*time.Hour), "1.00", "3.00", 3},
		{"custom rate", due.Add(5 * 24 * time.Hour), "2.00", "10.00", 5},
		{"fractional rate", due.Add(4 * 24 * time.Hour), "0.25", "1.00", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, days := circulation.ComputeFee(due, tt.returned, dec(tt.rate))
			assert.Equal(t, tt.daysLate, days)
			assert.True(t, dec(tt.fee).Equal(fee), "fee %s, want %s", fee, tt.fee)
		})
	}

	fee, _ := circulation.ComputeFee(due, due.Add(24*time.Hour), one)
	assert.False(t, fee.IsNegative())
}

func TestRateFor(t *testing.T) {
	p := circulation.DefaultPolicy()
	b := &circulation.Book{ID: "b1"}
	assert.True(t, p.LateFeePerDay.Equal(circulation.RateFor(b, p)))

	override := dec("0.50")
	b.LateFeePerDay = &override
	assert.True(t, override.Equal(circulation.RateFor(b, p)))
}

func TestPolicyValidate(t *testing.T) {
	p := circulation.DefaultPolicy()
	assert.NoError(t, p.Validate())

	bad := p
	bad.MaxRenewalDays = 0
	assert.Error(t, bad.Validate())

	bad = p
	bad.HoldDuration = 0
	assert.Error(t, bad.Validate())

	bad = p
	bad.LateFeePerDay = dec("-1")
	assert.Error(t, bad.Validate())
}
