package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AuditKind string

const (
	AuditLoanCreated      AuditKind = "loan_created"
	AuditPaymentApplied   AuditKind = "payment_applied"
	AuditLateFeeRefreshed AuditKind = "late_fee_refreshed"
	AuditPaymentLinked    AuditKind = "payment_linked"
	AuditMatchClassified  AuditKind = "match_classified"
	AuditReviewDecision   AuditKind = "review_decision"
)

// AuditEntry is one immutable line of the audit log. Installment-level
// entries carry the balances before and after the mutation.
type AuditEntry struct {
	ID            uuid.UUID       `json:"id"`
	Kind          AuditKind       `json:"kind"`
	At            time.Time       `json:"at"`
	LoanID        *uuid.UUID      `json:"loan_id,omitempty"`
	Sequence      int             `json:"sequence_number,omitempty"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Before        *Balances       `json:"before,omitempty"`
	After         *Balances       `json:"after,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Actor         string          `json:"actor,omitempty"`
}
