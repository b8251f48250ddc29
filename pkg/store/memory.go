package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
)

// MemoryStore is an in-memory Storage. It hands out copies so callers can
// never mutate stored state without going through a commit.
type MemoryStore struct {
	mu           sync.RWMutex
	loans        map[uuid.UUID]*models.Loan
	loanOrder    []uuid.UUID
	payments     []*models.Payment
	transactions map[uuid.UUID]*models.BankTransaction
	audit        []models.AuditEntry

	// FailCommit, when set, is returned by the next CommitPayment.
	FailCommit error
}

var _ Storage = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:        make(map[uuid.UUID]*models.Loan),
		transactions: make(map[uuid.UUID]*models.BankTransaction),
	}
}

func (m *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = loan.Clone()
	m.loanOrder = append(m.loanOrder, loan.ID)
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "loan", ID: id.String()}
	}
	return loan.Clone(), nil
}

func (m *MemoryStore) GetAllLoans(_ context.Context) ([]*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loans := make([]*models.Loan, 0, len(m.loanOrder))
	for _, id := range m.loanOrder {
		loans = append(loans, m.loans[id].Clone())
	}
	return loans, nil
}

func (m *MemoryStore) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	all, _ := m.GetAllLoans(ctx)
	loans := []*models.Loan{}
	for _, l := range all {
		if l.Status == models.LoanStatusActive {
			loans = append(loans, l)
		}
	}
	return loans, nil
}

func (m *MemoryStore) CommitPayment(_ context.Context, c *PaymentCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCommit != nil {
		err := m.FailCommit
		m.FailCommit = nil
		return err
	}
	if _, ok := m.loans[c.Loan.ID]; !ok {
		return &models.NotFoundError{Resource: "loan", ID: c.Loan.ID.String()}
	}

	var txn *models.BankTransaction
	if id := c.Payment.BankTransactionID; id != nil {
		var ok bool
		txn, ok = m.transactions[*id]
		if !ok {
			return &models.NotFoundError{Resource: "bank transaction", ID: id.String()}
		}
		if txn.Reconciled {
			return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "bank transaction " + id.String()}
		}
	}

	m.loans[c.Loan.ID] = c.Loan.Clone()
	p := *c.Payment
	m.payments = append(m.payments, &p)
	if txn != nil {
		txn.Reconciled = true
		txn.PaymentID = &p.ID
		txn.ReviewStatus = models.ReviewStatusApplied
	}
	m.audit = append(m.audit, c.Entries...)
	return nil
}

func (m *MemoryStore) UpdateInstallments(_ context.Context, loan *models.Loan, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[loan.ID]; !ok {
		return &models.NotFoundError{Resource: "loan", ID: loan.ID.String()}
	}
	m.loans[loan.ID] = loan.Clone()
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryStore) GetPaymentsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := []*models.Payment{}
	for _, p := range m.payments {
		if p.LoanID == loanID {
			cp := *p
			payments = append(payments, &cp)
		}
	}
	return payments, nil
}

func (m *MemoryStore) GetAllPayments(_ context.Context) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := make([]*models.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		cp := *p
		payments = append(payments, &cp)
	}
	return payments, nil
}

// AddPayment stores a payment recorded outside the ledger, e.g. legacy imports.
func (m *MemoryStore) AddPayment(p *models.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments = append(m.payments, &cp)
}

func (m *MemoryStore) LinkPayment(_ context.Context, paymentID, transactionID uuid.UUID, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payment *models.Payment
	for _, p := range m.payments {
		if p.ID == paymentID {
			payment = p
		}
	}
	if payment == nil {
		return &models.NotFoundError{Resource: "payment", ID: paymentID.String()}
	}
	txn, ok := m.transactions[transactionID]
	if !ok {
		return &models.NotFoundError{Resource: "bank transaction", ID: transactionID.String()}
	}
	if payment.Reconciled {
		return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "payment " + paymentID.String()}
	}
	if txn.Reconciled {
		return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "bank transaction " + transactionID.String()}
	}

	payment.Reconciled = true
	payment.BankTransactionID = &transactionID
	txn.Reconciled = true
	txn.PaymentID = &paymentID
	txn.ReviewStatus = models.ReviewStatusApplied
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryStore) SaveBankTransactions(_ context.Context, txns []*models.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range txns {
		cp := *t
		m.transactions[t.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetBankTransaction(_ context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "bank transaction", ID: id.String()}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetQueuedTransactions(_ context.Context) ([]*models.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txns := []*models.BankTransaction{}
	for _, t := range m.transactions {
		if t.ReviewStatus == models.ReviewStatusQueued && !t.Reconciled {
			cp := *t
			txns = append(txns, &cp)
		}
	}
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].IngestedAt.Equal(txns[j].IngestedAt) {
			return txns[i].IngestedAt.Before(txns[j].IngestedAt)
		}
		return txns[i].Row < txns[j].Row
	})
	return txns, nil
}

func (m *MemoryStore) SetReviewStatus(_ context.Context, id uuid.UUID, status models.ReviewStatus, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return &models.NotFoundError{Resource: "bank transaction", ID: id.String()}
	}
	if t.Reconciled {
		return &models.StateError{Code: models.StateAlreadyReconciled, Detail: "bank transaction " + id.String()}
	}
	t.ReviewStatus = status
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entries ...models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryStore) GetAuditForLoan(_ context.Context, loanID uuid.UUID) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := []models.AuditEntry{}
	for _, e := range m.audit {
		if e.LoanID != nil && *e.LoanID == loanID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// AuditEntries returns the whole log in append order.
func (m *MemoryStore) AuditEntries() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Payments returns every stored payment ordered by receipt time.
func (m *MemoryStore) Payments() []*models.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Payment, len(m.payments))
	copy(out, m.payments)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (m *MemoryStore) Close() error {
	return nil
}
