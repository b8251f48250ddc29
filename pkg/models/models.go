package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive  LoanStatus = "active"
	LoanStatusSettled LoanStatus = "settled"
)

type Loan struct {
	ID                uuid.UUID       `json:"id"`
	PayerIdentifier   string          `json:"payer_identifier"` // National ID of the borrower, as printed on bank statements
	Principal         decimal.Decimal `json:"principal"`        // Financed amount
	InstallmentCount  int             `json:"installment_count"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"` // Level periodic payment
	InterestRate      decimal.Decimal `json:"interest_rate"`      // Nominal annual rate
	LateDailyRate     decimal.Decimal `json:"late_daily_rate"`    // Mora charged per day on overdue principal
	FirstDueDate      time.Time       `json:"first_due_date"`
	Status            LoanStatus      `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Installments      []*Installment  `json:"installments"`
}

// Installment returns the installment with the given 1-based sequence number.
func (l *Loan) Installment(seq int) *Installment {
	if seq < 1 || seq > len(l.Installments) {
		return nil
	}
	return l.Installments[seq-1]
}

// Clone returns a deep copy, so snapshots never share installments with the ledger.
func (l *Loan) Clone() *Loan {
	c := *l
	c.Installments = make([]*Installment, len(l.Installments))
	for i, inst := range l.Installments {
		cp := *inst
		if inst.PaidDate != nil {
			pd := *inst.PaidDate
			cp.PaidDate = &pd
		}
		c.Installments[i] = &cp
	}
	return &c
}

type InstallmentState string

const (
	InstallmentPending       InstallmentState = "pending"
	InstallmentPartiallyPaid InstallmentState = "partially_paid"
	InstallmentOverdue       InstallmentState = "overdue"
	InstallmentPaid          InstallmentState = "paid"
)

// Installment is one cuota of a loan's schedule.
type Installment struct {
	LoanID                  uuid.UUID        `json:"loan_id"`
	Sequence                int              `json:"sequence_number"`
	DueDate                 time.Time        `json:"due_date"`
	ReferenceNumber         string           `json:"reference_number,omitempty"`
	ScheduledAmount         decimal.Decimal  `json:"scheduled_amount"`
	ScheduledPrincipal      decimal.Decimal  `json:"scheduled_principal"`
	ScheduledInterest       decimal.Decimal  `json:"scheduled_interest"`
	OpeningPrincipalBalance decimal.Decimal  `json:"opening_principal_balance"`
	ClosingPrincipalBalance decimal.Decimal  `json:"closing_principal_balance"`
	PaidPrincipal           decimal.Decimal  `json:"paid_principal"`
	PaidInterest            decimal.Decimal  `json:"paid_interest"`
	PaidLateFee             decimal.Decimal  `json:"paid_late_fee"`
	PendingPrincipal        decimal.Decimal  `json:"pending_principal"`
	PendingInterest         decimal.Decimal  `json:"pending_interest"`
	LateFeeAmount           decimal.Decimal  `json:"late_fee_amount"` // Outstanding mora
	LateDays                int              `json:"late_days"`
	State                   InstallmentState `json:"state"`
	PaidDate                *time.Time       `json:"paid_date,omitempty"`
}

// PendingTotal is what it takes to settle the installment today.
func (i *Installment) PendingTotal() decimal.Decimal {
	return i.PendingPrincipal.Add(i.PendingInterest).Add(i.LateFeeAmount)
}

// Balances captures the mutable buckets of an installment for audit entries.
func (i *Installment) Balances() Balances {
	return Balances{
		PaidPrincipal:    i.PaidPrincipal,
		PaidInterest:     i.PaidInterest,
		PaidLateFee:      i.PaidLateFee,
		PendingPrincipal: i.PendingPrincipal,
		PendingInterest:  i.PendingInterest,
		LateFeeAmount:    i.LateFeeAmount,
		LateDays:         i.LateDays,
		State:            i.State,
	}
}

type Balances struct {
	PaidPrincipal    decimal.Decimal  `json:"paid_principal"`
	PaidInterest     decimal.Decimal  `json:"paid_interest"`
	PaidLateFee      decimal.Decimal  `json:"paid_late_fee"`
	PendingPrincipal decimal.Decimal  `json:"pending_principal"`
	PendingInterest  decimal.Decimal  `json:"pending_interest"`
	LateFeeAmount    decimal.Decimal  `json:"late_fee_amount"`
	LateDays         int              `json:"late_days"`
	State            InstallmentState `json:"state"`
}

// AllocationDetail is how a single payment was split across one installment.
type AllocationDetail struct {
	Sequence  int             `json:"sequence_number"`
	LateFee   decimal.Decimal `json:"late_fee"`
	Interest  decimal.Decimal `json:"interest"`
	Principal decimal.Decimal `json:"principal"`
	Overflow  decimal.Decimal `json:"overflow"`
}

// Applied is the part of the payment that stayed on the installment.
func (a AllocationDetail) Applied() decimal.Decimal {
	return a.LateFee.Add(a.Interest).Add(a.Principal)
}

type PaymentSource string

const (
	PaymentSourceManual     PaymentSource = "manual"
	PaymentSourceReconciled PaymentSource = "reconciled"
)

type Payment struct {
	ID                uuid.UUID          `json:"id"`
	LoanID            uuid.UUID          `json:"loan_id"`
	Amount            decimal.Decimal    `json:"amount"`
	PayerIdentifier   string             `json:"payer_identifier"`
	ReceivedAt        time.Time          `json:"received_at"`
	ReferenceNumber   string             `json:"reference_number,omitempty"`
	Source            PaymentSource      `json:"source"`
	Reconciled        bool               `json:"reconciled"`
	BankTransactionID *uuid.UUID         `json:"bank_transaction_id,omitempty"`
	Allocations       []AllocationDetail `json:"allocations"`
	Residual          decimal.Decimal    `json:"residual"` // Overflow left after the last installment
}

type ReviewStatus string

const (
	ReviewStatusNone          ReviewStatus = ""
	ReviewStatusQueued        ReviewStatus = "queued"
	ReviewStatusApplied       ReviewStatus = "applied"
	ReviewStatusRejected      ReviewStatus = "rejected"
	ReviewStatusNotApplicable ReviewStatus = "not_applicable"
)

// BankTransaction is one normalized statement row. Ingested fields never change.
type BankTransaction struct {
	ID              uuid.UUID       `json:"id"`
	StatementID     uuid.UUID       `json:"statement_id"`
	Row             int             `json:"row"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionDate time.Time       `json:"transaction_date"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	PayerIdentifier string          `json:"payer_identifier"`
	Description     string          `json:"description,omitempty"`
	OriginAccount   string          `json:"origin_account,omitempty"`
	Reconciled      bool            `json:"reconciled"`
	PaymentID       *uuid.UUID      `json:"payment_id,omitempty"`
	ReviewStatus    ReviewStatus    `json:"review_status,omitempty"`
	IngestedAt      time.Time       `json:"ingested_at"`
}

type MatchTier string

const (
	TierExactReference    MatchTier = "exact_reference"
	TierExactAmount       MatchTier = "exact_amount"
	TierApproximateAmount MatchTier = "approximate_amount"
	TierNoMatch           MatchTier = "no_match"
)

// AutoApplicable reports whether a tier may be committed without a reviewer.
func (t MatchTier) AutoApplicable() bool {
	return t == TierExactReference || t == TierExactAmount
}

type SuggestedAction string

const (
	ActionApply       SuggestedAction = "apply"
	ActionLinkPayment SuggestedAction = "link_payment"
	ActionReview      SuggestedAction = "review"
)

type MatchResult struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	Tier               MatchTier       `json:"tier"`
	Confidence         int             `json:"confidence"`
	CandidateLoanID    *uuid.UUID      `json:"candidate_loan_id,omitempty"`
	CandidateSequence  int             `json:"candidate_installment_sequence,omitempty"`
	CandidatePaymentID *uuid.UUID      `json:"candidate_payment_id,omitempty"`
	AmountDifference   decimal.Decimal `json:"amount_difference"`
	SuggestedAction    SuggestedAction `json:"suggested_action"`
}

type ReviewAction string

const (
	ReviewApply         ReviewAction = "apply"
	ReviewReject        ReviewAction = "reject"
	ReviewNotApplicable ReviewAction = "not_applicable"
)

// InstallmentRef points at one installment of one loan.
type InstallmentRef struct {
	LoanID   uuid.UUID `json:"loan_id"`
	Sequence int       `json:"sequence_number"`
}

type ReviewDecision struct {
	TransactionID       uuid.UUID        `json:"transaction_id"`
	Action              ReviewAction     `json:"action"`
	AdjustedAmount      *decimal.Decimal `json:"adjusted_amount,omitempty"`
	OverrideInstallment *InstallmentRef  `json:"override_installment,omitempty"`
	Reviewer            string           `json:"reviewer,omitempty"`
	Note                string           `json:"note,omitempty"`
}

type BatchOutcome string

const (
	OutcomeApplied       BatchOutcome = "applied"
	OutcomeLinked        BatchOutcome = "linked"
	OutcomeFailed        BatchOutcome = "failed"
	OutcomeRejected      BatchOutcome = "rejected"
	OutcomeNotApplicable BatchOutcome = "not_applicable"
	OutcomeCancelled     BatchOutcome = "cancelled"
)

type BatchItemResult struct {
	TransactionID uuid.UUID    `json:"transaction_id"`
	Outcome       BatchOutcome `json:"outcome"`
	Reason        string       `json:"reason,omitempty"`
	PaymentID     *uuid.UUID   `json:"payment_id,omitempty"`
	Payment       *Payment     `json:"payment,omitempty"`
}

type BatchResult struct {
	Items []BatchItemResult `json:"items"`
}

// Count returns how many items ended with the given outcome.
func (r *BatchResult) Count(o BatchOutcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}
