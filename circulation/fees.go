package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// ComputeFee returns the late fee and the number of whole days late.
//
//	daysLate = max(0, floor((returnDate - dueDate) / 24h))
//	fee      = daysLate * perDayRate
//
// Returning on or before the due date, or less than a full day after it,
// costs nothing.
func ComputeFee(dueDate, returnDate time.Time, perDayRate decimal.Decimal) (decimal.Decimal, int) {
	late := returnDate.Sub(dueDate)
	if late <= 0 {
		return decimal.Zero, 0
	}
	daysLate := int(late / day)
	if daysLate == 0 {
		return decimal.Zero, 0
	}
	return perDayRate.Mul(decimal.NewFromInt(int64(daysLate))), daysLate
}

// RateFor returns the book's override or the policy default.
func RateFor(b *Book, p Policy) decimal.Decimal {
	if b != nil && b.LateFeePerDay != nil {
		return *b.LateFeePerDay
	}
	return p.LateFeePerDay
}
