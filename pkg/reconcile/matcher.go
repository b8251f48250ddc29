// Package reconcile matches bank transactions against the ledger and commits
// confirmed matches through the Ledger.
package reconcile

import (
	"context"
	"regexp"
	"runtime"
	"sort"

	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/money"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("reconcile")

const (
	ConfidenceExactAmount       = 100
	ConfidenceExactReference    = 90
	ConfidenceApproximateAmount = 80
	ConfidenceNone              = 0
)

// DefaultTolerance is the relative band of the approximate tier.
var DefaultTolerance = decimal.RequireFromString("0.02")

var referencePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9\-_/.]{2,}$`)

// ValidReference reports whether ref can take part in reference matching.
// Empty strings and placeholders such as "-" or "N/A" cannot.
func ValidReference(ref string) bool {
	ref = ledger.NormalizeReference(ref)
	return referencePattern.MatchString(ref) && ref != "N/A"
}

// Matcher is the tiered classifier. It holds configuration only; every call
// is a pure function of the transaction and the snapshot.
type Matcher struct {
	tolerance decimal.Decimal
	workers   int
}

// NewMatcher builds a matcher. A non-positive workers count means NumCPU.
func NewMatcher(tolerance decimal.Decimal, workers int) *Matcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Matcher{tolerance: tolerance, workers: workers}
}

type candidate struct {
	loan *models.Loan
	inst *models.Installment
	diff decimal.Decimal
}

// Match classifies one transaction. The first tier that matches wins.
func (m *Matcher) Match(txn *models.BankTransaction, snap *ledger.Snapshot) models.MatchResult {
	res := models.MatchResult{
		TransactionID:    txn.ID,
		Tier:             models.TierNoMatch,
		Confidence:       ConfidenceNone,
		AmountDifference: decimal.Zero,
		SuggestedAction:  models.ActionReview,
	}

	if ValidReference(txn.ReferenceNumber) {
		if p := snap.PaymentByReference(txn.ReferenceNumber); p != nil {
			loanID, paymentID := p.LoanID, p.ID
			res.Tier = models.TierExactReference
			res.Confidence = ConfidenceExactReference
			res.CandidateLoanID = &loanID
			res.CandidatePaymentID = &paymentID
			if len(p.Allocations) > 0 {
				res.CandidateSequence = p.Allocations[0].Sequence
			}
			res.AmountDifference = txn.Amount.Sub(p.Amount)
			res.SuggestedAction = models.ActionLinkPayment
			return res
		}
		if inst := snap.InstallmentByReference(txn.ReferenceNumber); inst != nil {
			loanID := inst.LoanID
			res.Tier = models.TierExactReference
			res.Confidence = ConfidenceExactReference
			res.CandidateLoanID = &loanID
			res.CandidateSequence = inst.Sequence
			res.AmountDifference = txn.Amount.Sub(inst.PendingTotal())
			res.SuggestedAction = models.ActionApply
			return res
		}
	}

	// Unknown payers never reach the amount tiers.
	if !snap.HasPayer(txn.PayerIdentifier) {
		return res
	}

	pool := openInstallments(snap.LoansForPayer(txn.PayerIdentifier), txn.Amount)

	for _, c := range pool {
		if txn.Amount.Equal(c.inst.ScheduledAmount) || c.diff.IsZero() {
			return candidateResult(res, c, models.TierExactAmount, ConfidenceExactAmount, models.ActionApply)
		}
	}

	var best *candidate
	for i := range pool {
		c := &pool[i]
		if !money.Within(txn.Amount, c.inst.PendingTotal(), txn.Amount, m.tolerance) {
			continue
		}
		if best == nil || c.diff.Abs().LessThan(best.diff.Abs()) {
			best = c
		}
	}
	if best != nil {
		return candidateResult(res, *best, models.TierApproximateAmount, ConfidenceApproximateAmount, models.ActionReview)
	}
	return res
}

// openInstallments lists the payer's unpaid installments ordered by due date,
// then loan ID, then sequence. That order is the tie-break of every tier.
func openInstallments(loans []*models.Loan, amount decimal.Decimal) []candidate {
	var pool []candidate
	for _, loan := range loans {
		for _, inst := range loan.Installments {
			if inst.State == models.InstallmentPaid {
				continue
			}
			pool = append(pool, candidate{loan: loan, inst: inst, diff: amount.Sub(inst.PendingTotal())})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if !a.inst.DueDate.Equal(b.inst.DueDate) {
			return a.inst.DueDate.Before(b.inst.DueDate)
		}
		if a.loan.ID != b.loan.ID {
			return a.loan.ID.String() < b.loan.ID.String()
		}
		return a.inst.Sequence < b.inst.Sequence
	})
	return pool
}

func candidateResult(res models.MatchResult, c candidate, tier models.MatchTier, confidence int, action models.SuggestedAction) models.MatchResult {
	loanID := c.loan.ID
	res.Tier = tier
	res.Confidence = confidence
	res.CandidateLoanID = &loanID
	res.CandidateSequence = c.inst.Sequence
	res.AmountDifference = c.diff
	res.SuggestedAction = action
	return res
}

// MatchAll classifies every transaction on a bounded worker pool. Results
// come back in input order. Workers only read the snapshot.
func (m *Matcher) MatchAll(ctx context.Context, txns []*models.BankTransaction, snap *ledger.Snapshot) ([]models.MatchResult, error) {
	ctx, span := tracer.Start(ctx, "Matcher.MatchAll")
	defer span.End()
	span.SetAttributes(attribute.Int("transactions", len(txns)))

	results := make([]models.MatchResult, len(txns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for i, txn := range txns {
		if gctx.Err() != nil {
			break
		}
		i, txn := i, txn
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.Match(txn, snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
