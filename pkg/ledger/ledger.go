package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/audit"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/mcclellann/loanrecon/pkg/observability"
	"github.com/mcclellann/loanrecon/pkg/resilience"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("ledger")

// Ledger handles the business logic for loans, installments and payments.
// All mutations of one loan are serialized; different loans proceed in parallel.
type Ledger struct {
	storage  store.Storage
	audit    *audit.Log
	logger   *zap.Logger
	metrics  *observability.Metrics
	guard    *resilience.Guard
	now      func() time.Time
	lateRate decimal.Decimal

	mu    sync.Mutex
	locks map[uuid.UUID]*loanLock
}

// loanLock is dropped from Ledger.locks once nobody holds or waits for it.
type loanLock struct {
	sync.Mutex
	refs int
}

type Option func(*Ledger)

func WithAuditLog(a *audit.Log) Option { return func(l *Ledger) { l.audit = a } }
func WithLogger(z *zap.Logger) Option { return func(l *Ledger) { l.logger = z } }
func WithMetrics(m *observability.Metrics) Option { return func(l *Ledger) { l.metrics = m } }
func WithGuard(g *resilience.Guard) Option { return func(l *Ledger) { l.guard = g } }
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }
func WithDefaultLateRate(r decimal.Decimal) Option { return func(l *Ledger) { l.lateRate = r } }

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		logger:   zap.NewNop(),
		now:      time.Now,
		lateRate: decimal.RequireFromString("0.0005"),
		locks:    make(map[uuid.UUID]*loanLock),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now is the ledger's clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// lockLoan acquires the loan's mutual-exclusion scope and returns its release.
func (l *Ledger) lockLoan(id uuid.UUID) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &loanLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		if lk.refs--; lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// LoanRequest describes a newly approved loan.
type LoanRequest struct {
	PayerIdentifier  string
	Principal        decimal.Decimal
	InterestRate     decimal.Decimal // nominal annual
	InstallmentCount int
	FirstDueDate     time.Time
	LateDailyRate    *decimal.Decimal // defaults to the ledger's configured rate
}

// CreateLoan initializes a new loan for a borrower and generates its schedule.
func (l *Ledger) CreateLoan(ctx context.Context, req LoanRequest) (*models.Loan, error) {
	payer := NormalizePayer(req.PayerIdentifier)
	if payer == "" {
		return nil, &models.ValidationError{Field: "payer_identifier", Message: "is required"}
	}
	lateRate := l.lateRate
	if req.LateDailyRate != nil {
		lateRate = *req.LateDailyRate
	}
	if lateRate.IsNegative() {
		return nil, &models.ValidationError{Field: "late_daily_rate", Message: "must not be negative"}
	}

	now := l.now()
	firstDue := req.FirstDueDate
	if firstDue.IsZero() {
		firstDue = monthlyDue(dateOf(now), 1)
	}

	id := uuid.New()
	installments, payment, err := GenerateSchedule(id, money.Round(req.Principal), req.InterestRate, req.InstallmentCount, firstDue)
	if err != nil {
		return nil, err
	}

	loan := &models.Loan{
		ID:                id,
		PayerIdentifier:   payer,
		Principal:         money.Round(req.Principal),
		InstallmentCount:  req.InstallmentCount,
		InstallmentAmount: payment,
		InterestRate:      req.InterestRate,
		LateDailyRate:     lateRate,
		FirstDueDate:      firstDue,
		Status:            models.LoanStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
		Installments:      installments,
	}

	entry := audit.NewEntry(models.AuditLoanCreated, now)
	entry.LoanID = &loan.ID
	entry.Amount = loan.Principal
	entry.Detail = fmt.Sprintf("installments=%d installment_amount=%s rate=%s", loan.InstallmentCount, payment.StringFixed(2), loan.InterestRate)

	if err := l.storage.CreateLoan(ctx, loan, []models.AuditEntry{entry}); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}
	l.audit.Publish(entry)

	l.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("principal", loan.Principal.StringFixed(2)),
		zap.Int("installments", loan.InstallmentCount),
	)
	return loan, nil
}

// GetLoan is the installment-state read projection: balances and states are
// refreshed as of now without being persisted.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	project(loan, l.now())
	return loan, nil
}

// GetAllLoans returns the read projection of every loan.
func (l *Ledger) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	for _, loan := range loans {
		project(loan, now)
	}
	return loans, nil
}

func project(loan *models.Loan, asOf time.Time) {
	for _, inst := range loan.Installments {
		RefreshLateFee(inst, asOf, loan.LateDailyRate)
	}
}

// GetAuditTrail returns a loan's audit log.
func (l *Ledger) GetAuditTrail(ctx context.Context, id uuid.UUID) ([]models.AuditEntry, error) {
	if _, err := l.storage.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	return l.storage.GetAuditForLoan(ctx, id)
}

// PaymentRequest is one incoming payment to allocate against a loan.
type PaymentRequest struct {
	LoanID            uuid.UUID
	Sequence          int // starting installment; 0 means the first unpaid one
	Amount            decimal.Decimal
	PayerIdentifier   string
	ReceivedAt        time.Time
	ReferenceNumber   string
	Source            models.PaymentSource
	BankTransactionID *uuid.UUID
	Actor             string
}

// ApplyPayment runs the waterfall on the starting installment and cascades
// any overflow to the following unpaid installments of the same loan. What
// remains after the last installment is returned as Payment.Residual.
//
// The loan lock is held for the whole chain, including the commit. Nothing
// is persisted unless every touched installment passes CheckInvariants, and
// the audit entries are committed in the same storage transaction.
func (l *Ledger) ApplyPayment(ctx context.Context, req PaymentRequest) (*models.Payment, error) {
	ctx, span := tracer.Start(ctx, "Ledger.ApplyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("loan_id", req.LoanID.String()))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, models.ErrInvalidAmount
	}

	start := time.Now()
	defer func() { l.metrics.ObserveApply(time.Since(start)) }()

	unlock := l.lockLoan(req.LoanID)
	defer unlock()

	loan, err := l.storage.GetLoan(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}

	asOf := req.ReceivedAt
	if asOf.IsZero() {
		asOf = l.now()
	}
	now := l.now()

	var entries []models.AuditEntry
	before := make(map[int]models.Balances, len(loan.Installments))
	for _, inst := range loan.Installments {
		before[inst.Sequence] = inst.Balances()
	}

	// Mora accrued up to the payment date is owed before anything else.
	for _, inst := range loan.Installments {
		prev := inst.Balances()
		if RefreshLateFee(inst, asOf, loan.LateDailyRate) && !prev.LateFeeAmount.Equal(inst.LateFeeAmount) {
			e := audit.NewEntry(models.AuditLateFeeRefreshed, now)
			e.LoanID = &loan.ID
			e.Sequence = inst.Sequence
			e.Amount = inst.LateFeeAmount.Sub(prev.LateFeeAmount)
			after := inst.Balances()
			e.Before, e.After = &prev, &after
			e.Detail = fmt.Sprintf("late_days=%d", inst.LateDays)
			e.Actor = req.Actor
			entries = append(entries, e)
			before[inst.Sequence] = after
		}
	}

	first, err := startingInstallment(loan, req.Sequence)
	if err != nil {
		return nil, err
	}

	payment := &models.Payment{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		Amount:            money.Round(req.Amount),
		PayerIdentifier:   NormalizePayer(req.PayerIdentifier),
		ReceivedAt:        asOf,
		ReferenceNumber:   NormalizeReference(req.ReferenceNumber),
		Source:            req.Source,
		Reconciled:        req.BankTransactionID != nil,
		BankTransactionID: req.BankTransactionID,
		Residual:          decimal.Zero,
	}
	if payment.Source == "" {
		payment.Source = models.PaymentSourceManual
	}
	if payment.PayerIdentifier == "" {
		payment.PayerIdentifier = loan.PayerIdentifier
	}

	remaining := payment.Amount
	for _, inst := range loan.Installments[first.Sequence-1:] {
		if !remaining.IsPositive() {
			break
		}
		if inst.State == models.InstallmentPaid {
			continue
		}

		detail, err := ApplyPayment(inst, remaining, asOf)
		if err != nil {
			return nil, err
		}
		if err := CheckInvariants(inst); err != nil {
			l.logger.Error("ledger invariant violated", zap.String("loan_id", loan.ID.String()), zap.Error(err))
			return nil, err
		}
		payment.Allocations = append(payment.Allocations, detail)
		remaining = detail.Overflow

		prev := before[inst.Sequence]
		after := inst.Balances()
		e := audit.NewEntry(models.AuditPaymentApplied, now)
		e.LoanID = &loan.ID
		e.Sequence = inst.Sequence
		e.PaymentID = &payment.ID
		e.TransactionID = req.BankTransactionID
		e.Amount = detail.Applied()
		e.Before, e.After = &prev, &after
		e.Detail = fmt.Sprintf("late_fee=%s interest=%s principal=%s overflow=%s",
			detail.LateFee.StringFixed(2), detail.Interest.StringFixed(2), detail.Principal.StringFixed(2), detail.Overflow.StringFixed(2))
		e.Actor = req.Actor
		entries = append(entries, e)
	}
	payment.Residual = remaining

	loan.Status = loanStatus(loan)
	loan.UpdatedAt = now

	if err := l.storage.CommitPayment(ctx, &store.PaymentCommit{Loan: loan, Payment: payment, Entries: entries}); err != nil {
		return nil, fmt.Errorf("failed to commit payment: %w", err)
	}
	l.audit.Publish(entries...)
	l.metrics.IncrPaymentApplied(string(payment.Source))

	l.logger.Info("payment applied",
		zap.String("loan_id", loan.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.Int("installments_touched", len(payment.Allocations)),
		zap.String("residual", payment.Residual.StringFixed(2)),
	)
	return payment, nil
}

func startingInstallment(loan *models.Loan, seq int) (*models.Installment, error) {
	if seq == 0 {
		for _, inst := range loan.Installments {
			if inst.State != models.InstallmentPaid {
				return inst, nil
			}
		}
		return nil, &models.StateError{Code: models.StateAlreadySettled, Detail: "loan " + loan.ID.String()}
	}
	inst := loan.Installment(seq)
	if inst == nil {
		return nil, &models.NotFoundError{Resource: "installment", ID: fmt.Sprintf("%s#%d", loan.ID, seq)}
	}
	if inst.State == models.InstallmentPaid {
		return nil, &models.StateError{
			Code:   models.StateAlreadySettled,
			Detail: fmt.Sprintf("installment %d of loan %s", seq, loan.ID),
		}
	}
	return inst, nil
}

func loanStatus(loan *models.Loan) models.LoanStatus {
	for _, inst := range loan.Installments {
		if inst.State != models.InstallmentPaid {
			return models.LoanStatusActive
		}
	}
	return models.LoanStatusSettled
}

// RefreshLateFees recomputes mora and state for every active loan as of the
// given date and persists the loans that changed. It replaces ad hoc state
// updates with the scheduled recompute.
func (l *Ledger) RefreshLateFees(ctx context.Context, asOf time.Time) (int, error) {
	var loans []*models.Loan
	err := l.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		loans, err = l.storage.GetAllActiveLoans(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load active loans: %w", err)
	}

	updated := 0
	for _, candidate := range loans {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		changed, err := l.refreshLoan(ctx, candidate.ID, asOf)
		if err != nil {
			l.logger.Error("late fee refresh failed", zap.String("loan_id", candidate.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func (l *Ledger) refreshLoan(ctx context.Context, id uuid.UUID, asOf time.Time) (bool, error) {
	unlock := l.lockLoan(id)
	defer unlock()

	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return false, err
	}

	now := l.now()
	var entries []models.AuditEntry
	for _, inst := range loan.Installments {
		prev := inst.Balances()
		if !RefreshLateFee(inst, asOf, loan.LateDailyRate) {
			continue
		}
		if err := CheckInvariants(inst); err != nil {
			return false, err
		}
		after := inst.Balances()
		e := audit.NewEntry(models.AuditLateFeeRefreshed, now)
		e.LoanID = &loan.ID
		e.Sequence = inst.Sequence
		e.Amount = after.LateFeeAmount.Sub(prev.LateFeeAmount)
		e.Before, e.After = &prev, &after
		e.Detail = fmt.Sprintf("late_days=%d state=%s", after.LateDays, after.State)
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return false, nil
	}

	loan.UpdatedAt = now
	if err := l.storage.UpdateInstallments(ctx, loan, entries); err != nil {
		return false, err
	}
	l.audit.Publish(entries...)
	return true, nil
}

// Snapshot loads an immutable view of every loan and payment for matching.
func (l *Ledger) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		loans    []*models.Loan
		payments []*models.Payment
	)
	err := l.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		if loans, err = l.storage.GetAllLoans(ctx); err != nil {
			return err
		}
		payments, err = l.storage.GetAllPayments(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger snapshot: %w", err)
	}

	now := l.now()
	for _, loan := range loans {
		project(loan, now)
	}
	return NewSnapshot(loans, payments, now), nil
}

// NormalizePayer strips punctuation and case from a national ID so
// "V-12.345.678" and "v12345678" compare equal.
func NormalizePayer(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeReference trims and upper-cases a payment reference.
func NormalizeReference(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
