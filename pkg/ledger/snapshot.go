package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
)

// Snapshot is a read-only view of the ledger taken at one instant. Matching
// runs against it concurrently, so nothing in it may be mutated after
// NewSnapshot returns.
type Snapshot struct {
	AsOf time.Time

	loans     []*models.Loan
	loansByID map[uuid.UUID]*models.Loan
	byPayer   map[string][]*models.Loan
	instRefs  map[string]*models.Installment
	payRefs   map[string]*models.Payment
}

// NewSnapshot indexes loans by payer and references by their normalized form.
// Loans are ordered by ID so every traversal is deterministic.
func NewSnapshot(loans []*models.Loan, payments []*models.Payment, asOf time.Time) *Snapshot {
	s := &Snapshot{
		AsOf:      asOf,
		loans:     append([]*models.Loan(nil), loans...),
		loansByID: make(map[uuid.UUID]*models.Loan, len(loans)),
		byPayer:   make(map[string][]*models.Loan),
		instRefs:  make(map[string]*models.Installment),
		payRefs:   make(map[string]*models.Payment),
	}
	sort.Slice(s.loans, func(i, j int) bool {
		return s.loans[i].ID.String() < s.loans[j].ID.String()
	})

	for _, loan := range s.loans {
		s.loansByID[loan.ID] = loan
		payer := NormalizePayer(loan.PayerIdentifier)
		s.byPayer[payer] = append(s.byPayer[payer], loan)
		for _, inst := range loan.Installments {
			if ref := NormalizeReference(inst.ReferenceNumber); ref != "" {
				s.instRefs[ref] = inst
			}
		}
	}

	for _, p := range payments {
		if ref := NormalizeReference(p.ReferenceNumber); ref != "" {
			if prev, ok := s.payRefs[ref]; !ok || p.ReceivedAt.Before(prev.ReceivedAt) {
				s.payRefs[ref] = p
			}
		}
	}
	return s
}

// Loans returns every loan in ID order.
func (s *Snapshot) Loans() []*models.Loan {
	return s.loans
}

func (s *Snapshot) Loan(id uuid.UUID) *models.Loan {
	return s.loansByID[id]
}

// HasPayer reports whether any loan belongs to the payer.
func (s *Snapshot) HasPayer(payer string) bool {
	return len(s.byPayer[NormalizePayer(payer)]) > 0
}

// LoansForPayer returns the payer's loans in ID order.
func (s *Snapshot) LoansForPayer(payer string) []*models.Loan {
	return s.byPayer[NormalizePayer(payer)]
}

// PaymentByReference looks up a recorded payment by its reference.
func (s *Snapshot) PaymentByReference(ref string) *models.Payment {
	return s.payRefs[NormalizeReference(ref)]
}

// InstallmentByReference looks up an installment by its coupon reference.
func (s *Snapshot) InstallmentByReference(ref string) *models.Installment {
	return s.instRefs[NormalizeReference(ref)]
}
