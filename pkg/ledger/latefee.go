package ledger

import (
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/shopspring/decimal"
)

// LateDays counts calendar days past due, floored at zero.
func LateDays(dueDate, asOf time.Time) int {
	days := int(dateOf(asOf).Sub(dateOf(dueDate)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ComputeLateFee projects the mora owed on an installment as of a date:
// pending principal times the daily rate times the days late.
func ComputeLateFee(inst *models.Installment, asOf time.Time, dailyRate decimal.Decimal) decimal.Decimal {
	if inst.State == models.InstallmentPaid || DeriveState(inst, asOf) == models.InstallmentPaid {
		return decimal.Zero
	}
	if !dateOf(asOf).After(dateOf(inst.DueDate)) {
		return decimal.Zero
	}
	days := decimal.NewFromInt(int64(LateDays(inst.DueDate, asOf)))
	return money.Round(inst.PendingPrincipal.Mul(dailyRate).Mul(days))
}

// RefreshLateFee brings late_fee_amount and late_days up to date. The
// outstanding fee is the projection minus what was already paid, and a
// refresh never lowers it. It reports whether anything changed.
func RefreshLateFee(inst *models.Installment, asOf time.Time, dailyRate decimal.Decimal) bool {
	if inst.State == models.InstallmentPaid {
		return false
	}

	before := inst.Balances()

	projected := ComputeLateFee(inst, asOf, dailyRate)
	outstanding := money.Max(projected.Sub(inst.PaidLateFee), decimal.Zero)
	inst.LateFeeAmount = money.Max(outstanding, inst.LateFeeAmount)
	inst.LateDays = LateDays(inst.DueDate, asOf)
	settle(inst, asOf)

	after := inst.Balances()
	return !before.LateFeeAmount.Equal(after.LateFeeAmount) ||
		before.LateDays != after.LateDays ||
		before.State != after.State
}
