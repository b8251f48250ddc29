package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/shopspring/decimal"
)

var (
	monthsInYear = decimal.NewFromInt(12)
)

// ratePrecision bounds the digits carried while compounding the periodic rate.
const ratePrecision = 18

// GenerateSchedule builds a level-payment (French) amortization schedule with
// monthly periods. Interest is charged on the opening balance of each period
// and the last installment absorbs rounding, so scheduled principal always
// adds up to the financed amount.
func GenerateSchedule(loanID uuid.UUID, principal, annualRate decimal.Decimal, count int, firstDue time.Time) ([]*models.Installment, decimal.Decimal, error) {
	if !principal.IsPositive() {
		return nil, decimal.Zero, &models.ValidationError{Field: "principal", Message: "must be greater than zero"}
	}
	if count < 1 {
		return nil, decimal.Zero, &models.ValidationError{Field: "installment_count", Message: "must be at least 1"}
	}
	if annualRate.IsNegative() {
		return nil, decimal.Zero, &models.ValidationError{Field: "interest_rate", Message: "must not be negative"}
	}

	rate := annualRate.DivRound(monthsInYear, ratePrecision)
	payment := levelPayment(principal, rate, count)

	installments := make([]*models.Installment, 0, count)
	balance := principal
	for seq := 1; seq <= count; seq++ {
		interest := money.Round(balance.Mul(rate))
		amortized := payment.Sub(interest)
		if seq == count || amortized.GreaterThan(balance) {
			amortized = balance
		}
		if amortized.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("installment %d does not amortize: interest %s exceeds payment %s", seq, interest, payment)
		}

		inst := &models.Installment{
			LoanID:                  loanID,
			Sequence:                seq,
			DueDate:                 monthlyDue(firstDue, seq-1),
			ReferenceNumber:         InstallmentReference(loanID, seq),
			ScheduledPrincipal:      amortized,
			ScheduledInterest:       interest,
			ScheduledAmount:         amortized.Add(interest),
			OpeningPrincipalBalance: balance,
			ClosingPrincipalBalance: balance.Sub(amortized),
			PendingPrincipal:        amortized,
			PendingInterest:         interest,
			State:                   models.InstallmentPending,
		}
		installments = append(installments, inst)
		balance = inst.ClosingPrincipalBalance
	}

	return installments, payment, nil
}

// monthlyDue returns the date k months after first on the same day of the
// month, clamped to the last day of shorter months.
func monthlyDue(first time.Time, k int) time.Time {
	y, m, day := first.Date()
	start := time.Date(y, m+time.Month(k), 1, first.Hour(), first.Minute(), first.Second(), first.Nanosecond(), first.Location())
	last := start.AddDate(0, 1, -1).Day()
	return start.AddDate(0, 0, min(day, last)-1)
}

// levelPayment returns P*r*(1+r)^n / ((1+r)^n - 1), or P/n for interest-free loans.
func levelPayment(principal, rate decimal.Decimal, count int) decimal.Decimal {
	n := decimal.NewFromInt(int64(count))
	if rate.IsZero() {
		return money.Round(principal.DivRound(n, ratePrecision))
	}

	factor := decimal.NewFromInt(1)
	growth := rate.Add(decimal.NewFromInt(1))
	for i := 0; i < count; i++ {
		factor = factor.Mul(growth).Round(ratePrecision)
	}
	numerator := principal.Mul(rate).Mul(factor)
	return money.Round(numerator.DivRound(factor.Sub(decimal.NewFromInt(1)), ratePrecision))
}

// InstallmentReference is the payment reference printed on a borrower's
// coupon for one installment, e.g. "LN3F2A9C1B-03".
func InstallmentReference(loanID uuid.UUID, seq int) string {
	short := strings.ToUpper(strings.ReplaceAll(loanID.String(), "-", "")[:8])
	return fmt.Sprintf("LN%s-%02d", short, seq)
}
