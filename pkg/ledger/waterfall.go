package ledger

import (
	"fmt"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/shopspring/decimal"
)

// ApplyPayment allocates amount to a single installment in the fixed order
// late fee, interest, principal. Whatever is left once principal is exhausted
// comes back as Overflow; cascading it is the Ledger's job.
//
// The amount is rounded once on entry. Stage allocations are exact after that.
func ApplyPayment(inst *models.Installment, amount decimal.Decimal, asOf time.Time) (models.AllocationDetail, error) {
	detail := models.AllocationDetail{Sequence: inst.Sequence}
	if !amount.IsPositive() {
		return detail, models.ErrInvalidAmount
	}
	if inst.State == models.InstallmentPaid || DeriveState(inst, asOf) == models.InstallmentPaid {
		return detail, &models.StateError{
			Code:   models.StateAlreadySettled,
			Detail: fmt.Sprintf("installment %d of loan %s", inst.Sequence, inst.LoanID),
		}
	}

	remaining := money.Round(amount)

	if inst.LateFeeAmount.IsPositive() {
		take := money.Min(remaining, inst.LateFeeAmount)
		inst.LateFeeAmount = inst.LateFeeAmount.Sub(take)
		inst.PaidLateFee = inst.PaidLateFee.Add(take)
		detail.LateFee = take
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() && inst.PendingInterest.IsPositive() {
		take := money.Min(remaining, inst.PendingInterest)
		inst.PendingInterest = inst.PendingInterest.Sub(take)
		inst.PaidInterest = inst.PaidInterest.Add(take)
		detail.Interest = take
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() && inst.PendingPrincipal.IsPositive() {
		take := money.Min(remaining, inst.PendingPrincipal)
		inst.PendingPrincipal = inst.PendingPrincipal.Sub(take)
		inst.PaidPrincipal = inst.PaidPrincipal.Add(take)
		detail.Principal = take
		remaining = remaining.Sub(take)
	}

	detail.Overflow = remaining
	settle(inst, asOf)
	return detail, nil
}

// DeriveState is the installment state machine. It is total and has no side
// effects; every mutation path goes through settle, which calls it.
func DeriveState(inst *models.Installment, asOf time.Time) models.InstallmentState {
	switch {
	case !inst.PendingPrincipal.IsPositive() && !inst.PendingInterest.IsPositive():
		return models.InstallmentPaid
	case inst.PaidPrincipal.Add(inst.PaidInterest).IsPositive():
		return models.InstallmentPartiallyPaid
	case dateOf(asOf).After(dateOf(inst.DueDate)):
		return models.InstallmentOverdue
	default:
		return models.InstallmentPending
	}
}

func settle(inst *models.Installment, asOf time.Time) {
	inst.State = DeriveState(inst, asOf)
	if inst.State == models.InstallmentPaid && inst.PaidDate == nil {
		paid := asOf
		inst.PaidDate = &paid
	}
}

// CheckInvariants verifies the bucket identities of one installment.
func CheckInvariants(inst *models.Installment) error {
	fail := func(format string, args ...any) error {
		return &models.IntegrityError{
			LoanID:   inst.LoanID.String(),
			Sequence: inst.Sequence,
			Detail:   fmt.Sprintf(format, args...),
		}
	}

	if !inst.PaidPrincipal.Add(inst.PendingPrincipal).Equal(inst.ScheduledPrincipal) {
		return fail("paid_principal %s + pending_principal %s != scheduled_principal %s",
			inst.PaidPrincipal, inst.PendingPrincipal, inst.ScheduledPrincipal)
	}
	if !inst.PaidInterest.Add(inst.PendingInterest).Equal(inst.ScheduledInterest) {
		return fail("paid_interest %s + pending_interest %s != scheduled_interest %s",
			inst.PaidInterest, inst.PendingInterest, inst.ScheduledInterest)
	}
	buckets := []struct {
		name  string
		value decimal.Decimal
	}{
		{"paid_principal", inst.PaidPrincipal},
		{"paid_interest", inst.PaidInterest},
		{"paid_late_fee", inst.PaidLateFee},
		{"pending_principal", inst.PendingPrincipal},
		{"pending_interest", inst.PendingInterest},
		{"late_fee_amount", inst.LateFeeAmount},
	}
	for _, b := range buckets {
		if b.value.IsNegative() {
			return fail("%s is negative (%s)", b.name, b.value)
		}
	}
	return nil
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
