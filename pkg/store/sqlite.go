package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore and applies the embedded migrations.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

const loanColumns = `id, payer_identifier, principal, installment_count, installment_amount, interest_rate, late_daily_rate, first_due_date, status, created_at, updated_at`

const installmentColumns = `loan_id, sequence, due_date, reference_number, scheduled_amount, scheduled_principal, scheduled_interest,
	opening_principal_balance, closing_principal_balance, paid_principal, paid_interest, paid_late_fee,
	pending_principal, pending_interest, late_fee_amount, late_days, state, paid_date`

const paymentColumns = `id, loan_id, amount, payer_identifier, received_at, reference_number, source, reconciled, bank_transaction_id, allocations, residual`

// CreateLoan inserts a loan, its schedule and the creation audit entries.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan, entries []models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			loan.ID.String(), loan.PayerIdentifier, loan.Principal, loan.InstallmentCount, loan.InstallmentAmount,
			loan.InterestRate, loan.LateDailyRate, loan.FirstDueDate, loan.Status, loan.CreatedAt, loan.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create loan: %w", err)
		}
		for _, inst := range loan.Installments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				loan.ID.String(), inst.Sequence, inst.DueDate, inst.ReferenceNumber, inst.ScheduledAmount,
				inst.ScheduledPrincipal, inst.ScheduledInterest, inst.OpeningPrincipalBalance, inst.ClosingPrincipalBalance,
				inst.PaidPrincipal, inst.PaidInterest, inst.PaidLateFee, inst.PendingPrincipal, inst.PendingInterest,
				inst.LateFeeAmount, inst.LateDays, inst.State, inst.PaidDate,
			)
			if err != nil {
				return fmt.Errorf("failed to create installment %d: %w", inst.Sequence, err)
			}
		}
		return insertAudit(ctx, tx, entries)
	})
}

// GetLoan retrieves a loan and its installments by ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.NotFoundError{Resource: "loan", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if err := s.loadInstallments(ctx, []*models.Loan{loan}); err != nil {
		return nil, err
	}
	return loan, nil
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at ASC, id ASC`)
}

// GetAllActiveLoans retrieves all loans that still have unpaid installments.
func (s *SQLiteStore) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at ASC, id ASC`, models.LoanStatusActive)
}

func (s *SQLiteStore) queryLoans(ctx context.Context, query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	if err := s.loadInstallments(ctx, loans); err != nil {
		return nil, err
	}
	return loans, nil
}

func (s *SQLiteStore) loadInstallments(ctx context.Context, loans []*models.Loan) error {
	if len(loans) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Loan, len(loans))
	for _, l := range loans {
		byID[l.ID] = l
	}

	query := `SELECT ` + installmentColumns + ` FROM installments ORDER BY loan_id ASC, sequence ASC`
	var args []any
	if len(loans) == 1 {
		query = `SELECT ` + installmentColumns + ` FROM installments WHERE loan_id = ? ORDER BY sequence ASC`
		args = append(args, loans[0].ID.String())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return fmt.Errorf("failed to scan installment row: %w", err)
		}
		if loan, ok := byID[inst.LoanID]; ok {
			loan.Installments = append(loan.Installments, inst)
		}
	}
	return rows.Err()
}

// CommitPayment writes one payment application in a single transaction.
func (s *SQLiteStore) CommitPayment(ctx context.Context, c *PaymentCommit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateLoan(ctx, tx, c.Loan); err != nil {
			return err
		}

		p := c.Payment
		allocations, err := json.Marshal(p.Allocations)
		if err != nil {
			return fmt.Errorf("failed to encode allocations: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.LoanID.String(), p.Amount, p.PayerIdentifier, p.ReceivedAt, p.ReferenceNumber,
			p.Source, p.Reconciled, nullableID(p.BankTransactionID), string(allocations), p.Residual,
		)
		if err != nil {
			return fmt.Errorf("failed to store payment: %w", err)
		}

		if p.BankTransactionID != nil {
			if err := markReconciled(ctx, tx, *p.BankTransactionID, p.ID, models.ReviewStatusApplied); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, c.Entries)
	})
}

// UpdateInstallments persists recomputed installment balances, e.g. after a late-fee refresh.
func (s *SQLiteStore) UpdateInstallments(ctx context.Context, loan *models.Loan, entries []models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateLoan(ctx, tx, loan); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entries)
	})
}

func updateLoan(ctx context.Context, tx *sql.Tx, loan *models.Loan) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE loans SET status = ?, updated_at = ? WHERE id = ?`,
		loan.Status, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.NotFoundError{Resource: "loan", ID: loan.ID.String()}
	}

	for _, inst := range loan.Installments {
		_, err := tx.ExecContext(ctx,
			`UPDATE installments SET paid_principal = ?, paid_interest = ?, paid_late_fee = ?, pending_principal = ?,
			pending_interest = ?, late_fee_amount = ?, late_days = ?, state = ?, paid_date = ?
			WHERE loan_id = ? AND sequence = ?`,
			inst.PaidPrincipal, inst.PaidInterest, inst.PaidLateFee, inst.PendingPrincipal,
			inst.PendingInterest, inst.LateFeeAmount, inst.LateDays, inst.State, inst.PaidDate,
			loan.ID.String(), inst.Sequence,
		)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Sequence, err)
		}
	}
	return nil
}

func markReconciled(ctx context.Context, tx *sql.Tx, txnID, paymentID uuid.UUID, status models.ReviewStatus) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE bank_transactions SET reconciled = 1, payment_id = ?, review_status = ? WHERE id = ? AND reconciled = 0`,
		paymentID.String(), status, txnID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark bank transaction reconciled: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM bank_transactions WHERE id = ?`, txnID.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.NotFoundError{Resource: "bank transaction", ID: txnID.String()}
	}
	if err != nil {
		return fmt.Errorf("failed to look up bank transaction: %w", err)
	}
	return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "bank transaction " + txnID.String()}
}

// GetPaymentsForLoan retrieves all payments for a given loan ID.
func (s *SQLiteStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY received_at ASC, id ASC`, loanID.String())
}

// GetAllPayments retrieves every recorded payment.
func (s *SQLiteStore) GetAllPayments(ctx context.Context) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY received_at ASC, id ASC`)
}

func (s *SQLiteStore) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var id, loanID, allocations string
		var bankTxn sql.NullString
		if err := rows.Scan(&id, &loanID, &p.Amount, &p.PayerIdentifier, &p.ReceivedAt, &p.ReferenceNumber,
			&p.Source, &p.Reconciled, &bankTxn, &allocations, &p.Residual); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.ID = uuid.MustParse(id)
		p.LoanID = uuid.MustParse(loanID)
		p.BankTransactionID = parseNullableID(bankTxn)
		if err := json.Unmarshal([]byte(allocations), &p.Allocations); err != nil {
			return nil, fmt.Errorf("failed to decode allocations of payment %s: %w", id, err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// LinkPayment marks an existing payment and a bank transaction as reconciled against each other.
func (s *SQLiteStore) LinkPayment(ctx context.Context, paymentID, transactionID uuid.UUID, entries []models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE payments SET reconciled = 1, bank_transaction_id = ? WHERE id = ? AND reconciled = 0`,
			transactionID.String(), paymentID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to link payment: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM payments WHERE id = ?`, paymentID.String()).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return &models.NotFoundError{Resource: "payment", ID: paymentID.String()}
			}
			if err != nil {
				return fmt.Errorf("failed to look up payment: %w", err)
			}
			return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "payment " + paymentID.String()}
		}
		if err := markReconciled(ctx, tx, transactionID, paymentID, models.ReviewStatusApplied); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entries)
	})
}

// SaveBankTransactions stores freshly ingested statement rows.
func (s *SQLiteStore) SaveBankTransactions(ctx context.Context, txns []*models.BankTransaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO bank_transactions
			(id, statement_id, row_number, amount, transaction_date, reference_number, payer_identifier, description, origin_account, reconciled, payment_id, review_status, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare bank transaction insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range txns {
			if _, err := stmt.ExecContext(ctx,
				t.ID.String(), t.StatementID.String(), t.Row, t.Amount, t.TransactionDate, t.ReferenceNumber,
				t.PayerIdentifier, t.Description, t.OriginAccount, t.Reconciled, nullableID(t.PaymentID), t.ReviewStatus, t.IngestedAt,
			); err != nil {
				return fmt.Errorf("failed to store bank transaction row %d: %w", t.Row, err)
			}
		}
		return nil
	})
}

const bankTransactionColumns = `id, statement_id, row_number, amount, transaction_date, reference_number,
	payer_identifier, description, origin_account, reconciled, payment_id, review_status, ingested_at`

func scanBankTransaction(row rowScanner) (*models.BankTransaction, error) {
	var t models.BankTransaction
	var idStr, statementID string
	var paymentID sql.NullString
	if err := row.Scan(
		&idStr, &statementID, &t.Row, &t.Amount, &t.TransactionDate, &t.ReferenceNumber,
		&t.PayerIdentifier, &t.Description, &t.OriginAccount, &t.Reconciled, &paymentID, &t.ReviewStatus, &t.IngestedAt,
	); err != nil {
		return nil, err
	}
	t.ID = uuid.MustParse(idStr)
	t.StatementID = uuid.MustParse(statementID)
	t.PaymentID = parseNullableID(paymentID)
	return &t, nil
}

// GetBankTransaction retrieves one ingested statement row.
func (s *SQLiteStore) GetBankTransaction(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	t, err := scanBankTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+bankTransactionColumns+` FROM bank_transactions WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.NotFoundError{Resource: "bank transaction", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get bank transaction: %w", err)
	}
	return t, nil
}

// GetQueuedTransactions lists unreconciled rows whose review status is queued.
func (s *SQLiteStore) GetQueuedTransactions(ctx context.Context) ([]*models.BankTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bankTransactionColumns+` FROM bank_transactions
		WHERE review_status = ? AND reconciled = 0 ORDER BY ingested_at ASC, row_number ASC`, models.ReviewStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued transactions: %w", err)
	}
	defer rows.Close()

	txns := []*models.BankTransaction{}
	for rows.Next() {
		t, err := scanBankTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bank transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// SetReviewStatus records a reviewer's non-applying decision on a transaction.
func (s *SQLiteStore) SetReviewStatus(ctx context.Context, id uuid.UUID, status models.ReviewStatus, entries []models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE bank_transactions SET review_status = ? WHERE id = ? AND reconciled = 0`, status, id.String())
		if err != nil {
			return fmt.Errorf("failed to set review status: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n == 0 {
			var reconciled bool
			err := tx.QueryRowContext(ctx, `SELECT reconciled FROM bank_transactions WHERE id = ?`, id.String()).Scan(&reconciled)
			if errors.Is(err, sql.ErrNoRows) {
				return &models.NotFoundError{Resource: "bank transaction", ID: id.String()}
			}
			if err != nil {
				return fmt.Errorf("failed to look up bank transaction: %w", err)
			}
			return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "bank transaction " + id.String()}
		}
		return insertAudit(ctx, tx, entries)
	})
}

// AppendAudit inserts audit entries. Rows are never updated or deleted.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entries ...models.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, entries)
	})
}

func insertAudit(ctx context.Context, tx *sql.Tx, entries []models.AuditEntry) error {
	for _, e := range entries {
		before, err := encodeBalances(e.Before)
		if err != nil {
			return err
		}
		after, err := encodeBalances(e.After)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_log (id, kind, at, loan_id, sequence, payment_id, transaction_id, amount, before_balances, after_balances, detail, actor)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.Kind, e.At, nullableID(e.LoanID), e.Sequence, nullableID(e.PaymentID), nullableID(e.TransactionID),
			e.Amount, before, after, e.Detail, e.Actor,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

// GetAuditForLoan returns a loan's audit trail in append order.
func (s *SQLiteStore) GetAuditForLoan(ctx context.Context, loanID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, at, loan_id, sequence, payment_id, transaction_id, amount,
		before_balances, after_balances, detail, actor FROM audit_log WHERE loan_id = ? ORDER BY rowid ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var id string
		var loan, payment, txn, before, after sql.NullString
		if err := rows.Scan(&id, &e.Kind, &e.At, &loan, &e.Sequence, &payment, &txn, &e.Amount,
			&before, &after, &e.Detail, &e.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.ID = uuid.MustParse(id)
		e.LoanID = parseNullableID(loan)
		e.PaymentID = parseNullableID(payment)
		e.TransactionID = parseNullableID(txn)
		if e.Before, err = decodeBalances(before); err != nil {
			return nil, err
		}
		if e.After, err = decodeBalances(after); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for audit log: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var id string
	var created, updated, firstDue time.Time
	if err := row.Scan(&id, &loan.PayerIdentifier, &loan.Principal, &loan.InstallmentCount, &loan.InstallmentAmount,
		&loan.InterestRate, &loan.LateDailyRate, &firstDue, &loan.Status, &created, &updated); err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(id)
	loan.FirstDueDate = firstDue
	loan.CreatedAt = created
	loan.UpdatedAt = updated
	return &loan, nil
}

func scanInstallment(row rowScanner) (*models.Installment, error) {
	var inst models.Installment
	var loanID string
	var paidDate sql.NullTime
	if err := row.Scan(&loanID, &inst.Sequence, &inst.DueDate, &inst.ReferenceNumber, &inst.ScheduledAmount,
		&inst.ScheduledPrincipal, &inst.ScheduledInterest, &inst.OpeningPrincipalBalance, &inst.ClosingPrincipalBalance,
		&inst.PaidPrincipal, &inst.PaidInterest, &inst.PaidLateFee, &inst.PendingPrincipal, &inst.PendingInterest,
		&inst.LateFeeAmount, &inst.LateDays, &inst.State, &paidDate); err != nil {
		return nil, err
	}
	inst.LoanID = uuid.MustParse(loanID)
	if paidDate.Valid {
		inst.PaidDate = &paidDate.Time
	}
	return &inst, nil
}

func nullableID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullableID(s sql.NullString) *uuid.UUID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &id
}

func encodeBalances(b *models.Balances) (sql.NullString, error) {
	if b == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode balances: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeBalances(s sql.NullString) (*models.Balances, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var b models.Balances
	if err := json.Unmarshal([]byte(s.String), &b); err != nil {
		return nil, fmt.Errorf("failed to decode balances: %w", err)
	}
	return &b, nil
}
