package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
)

// PaymentCommit is everything one payment application writes. It is
// persisted atomically: either the installments, the payment, the bank
// transaction flag and the audit entries all land, or none do.
type PaymentCommit struct {
	Loan    *models.Loan
	Payment *models.Payment
	Entries []models.AuditEntry
}

// Storage defines the interface for database operations related to loans,
// payments, bank transactions and the audit log.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan, entries []models.AuditEntry) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error)

	// CommitPayment fails with models.ErrAlreadyReconciled if the payment
	// references a bank transaction that is already reconciled.
	CommitPayment(ctx context.Context, c *PaymentCommit) error
	UpdateInstallments(ctx context.Context, loan *models.Loan, entries []models.AuditEntry) error

	GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	GetAllPayments(ctx context.Context) ([]*models.Payment, error)
	LinkPayment(ctx context.Context, paymentID, transactionID uuid.UUID, entries []models.AuditEntry) error

	SaveBankTransactions(ctx context.Context, txns []*models.BankTransaction) error
	GetBankTransaction(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error)
	// GetQueuedTransactions returns unreconciled transactions waiting for
	// review, in ingestion order.
	GetQueuedTransactions(ctx context.Context) ([]*models.BankTransaction, error)
	SetReviewStatus(ctx context.Context, id uuid.UUID, status models.ReviewStatus, entries []models.AuditEntry) error

	AppendAudit(ctx context.Context, entries ...models.AuditEntry) error
	GetAuditForLoan(ctx context.Context, loanID uuid.UUID) ([]models.AuditEntry, error)

	Close() error
}
