package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/audit"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/observability"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// BatchApplier commits review decisions through the Ledger. Decisions are
// processed in order and each one succeeds or fails on its own.
type BatchApplier struct {
	ledger  *ledger.Ledger
	storage store.Storage
	matcher *Matcher
	queue   *ReviewQueue
	audit   *audit.Log
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewBatchApplier(l *ledger.Ledger, s store.Storage, m *Matcher, q *ReviewQueue, a *audit.Log, logger *zap.Logger, metrics *observability.Metrics) *BatchApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchApplier{ledger: l, storage: s, matcher: m, queue: q, audit: a, logger: logger, metrics: metrics}
}

// ApplyBatch processes decisions sequentially and reports one outcome per
// decision. Failures are per item, with two exceptions: an IntegrityError
// halts the affected loan for the rest of the batch and is returned joined
// with any others, and cancellation marks the remaining decisions as
// cancelled and returns ctx.Err(). Either way the result is complete.
func (b *BatchApplier) ApplyBatch(ctx context.Context, decisions []models.ReviewDecision) (*models.BatchResult, error) {
	return b.apply(ctx, decisions, nil)
}

type batchRun struct {
	known    map[uuid.UUID]models.MatchResult
	snapshot *ledger.Snapshot
	halted   map[uuid.UUID]bool
	fatal    []error
}

func (b *BatchApplier) apply(ctx context.Context, decisions []models.ReviewDecision, known map[uuid.UUID]models.MatchResult) (*models.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "BatchApplier.ApplyBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("decisions", len(decisions)))

	run := &batchRun{known: known, halted: make(map[uuid.UUID]bool)}
	result := &models.BatchResult{Items: make([]models.BatchItemResult, 0, len(decisions))}

	for i, d := range decisions {
		if err := ctx.Err(); err != nil {
			for _, rest := range decisions[i:] {
				result.Items = append(result.Items, models.BatchItemResult{
					TransactionID: rest.TransactionID,
					Outcome:       models.OutcomeCancelled,
					Reason:        err.Error(),
				})
				b.metrics.IncrBatchItem(string(models.OutcomeCancelled))
			}
			b.logger.Warn("batch cancelled", zap.Int("processed", i), zap.Int("remaining", len(decisions)-i))
			return result, err
		}

		item := b.applyOne(ctx, run, d)
		result.Items = append(result.Items, item)
		b.metrics.IncrBatchItem(string(item.Outcome))

		if item.Outcome == models.OutcomeFailed {
			b.logger.Warn("batch item failed",
				zap.String("transaction_id", d.TransactionID.String()),
				zap.String("reason", item.Reason),
			)
		} else {
			b.queue.Archive(d, item.Outcome, b.ledger.Now())
		}
	}

	return result, errors.Join(run.fatal...)
}

func (b *BatchApplier) applyOne(ctx context.Context, run *batchRun, d models.ReviewDecision) models.BatchItemResult {
	item := models.BatchItemResult{TransactionID: d.TransactionID}
	fail := func(err error) models.BatchItemResult {
		item.Outcome = models.OutcomeFailed
		item.Reason = err.Error()
		return item
	}

	txn, err := b.storage.GetBankTransaction(ctx, d.TransactionID)
	if err != nil {
		return fail(err)
	}
	if txn.Reconciled {
		return fail(&models.StateError{Code: models.StateAlreadyReconciled, Detail: "bank transaction " + txn.ID.String()})
	}

	switch d.Action {
	case models.ReviewReject:
		if err := b.close(ctx, txn, d, models.ReviewStatusRejected); err != nil {
			return fail(err)
		}
		item.Outcome = models.OutcomeRejected
		return item

	case models.ReviewNotApplicable:
		if err := b.close(ctx, txn, d, models.ReviewStatusNotApplicable); err != nil {
			return fail(err)
		}
		item.Outcome = models.OutcomeNotApplicable
		return item

	case models.ReviewApply:
	default:
		return fail(&models.ValidationError{Field: "action", Message: fmt.Sprintf("unknown review action %q", d.Action)})
	}

	amount := txn.Amount
	if d.AdjustedAmount != nil {
		amount = *d.AdjustedAmount
	}
	if !amount.IsPositive() {
		return fail(models.ErrInvalidAmount)
	}

	var target models.InstallmentRef
	_, classified := run.known[txn.ID]
	if d.OverrideInstallment != nil {
		target = *d.OverrideInstallment
	} else {
		match, err := b.matchFor(ctx, run, txn)
		if err != nil {
			return fail(err)
		}
		if match.SuggestedAction == models.ActionLinkPayment && match.CandidatePaymentID != nil && d.AdjustedAmount == nil {
			if err := b.link(ctx, txn, match, d); err != nil {
				return fail(err)
			}
			item.Outcome = models.OutcomeLinked
			item.PaymentID = match.CandidatePaymentID
			return item
		}
		if match.CandidateLoanID == nil {
			return fail(&models.NotFoundError{Resource: "installment", ID: "no candidate for transaction " + txn.ID.String()})
		}
		target = models.InstallmentRef{LoanID: *match.CandidateLoanID, Sequence: match.CandidateSequence}
	}

	payment, err := b.commit(ctx, run, txn, target, amount, d.Reviewer)
	// Transactions classified against the same snapshot can race for one
	// installment. The loser is classified again against the current ledger.
	if errors.Is(err, models.ErrAlreadySettled) && classified && d.OverrideInstallment == nil {
		if next, ok := b.reclassify(ctx, txn); ok {
			b.logger.Info("installment settled earlier in this batch, reclassified",
				zap.String("transaction_id", txn.ID.String()),
				zap.Int("from_sequence", target.Sequence),
				zap.Int("to_sequence", next.Sequence),
			)
			payment, err = b.commit(ctx, run, txn, next, amount, d.Reviewer)
		}
	}
	if err != nil {
		return fail(err)
	}

	item.Outcome = models.OutcomeApplied
	item.PaymentID = &payment.ID
	item.Payment = payment
	return item
}

func (b *BatchApplier) commit(ctx context.Context, run *batchRun, txn *models.BankTransaction, target models.InstallmentRef, amount decimal.Decimal, actor string) (*models.Payment, error) {
	if run.halted[target.LoanID] {
		return nil, fmt.Errorf("loan %s halted after an integrity failure earlier in this batch", target.LoanID)
	}

	txnID := txn.ID
	payment, err := b.ledger.ApplyPayment(ctx, ledger.PaymentRequest{
		LoanID:            target.LoanID,
		Sequence:          target.Sequence,
		Amount:            amount,
		PayerIdentifier:   txn.PayerIdentifier,
		ReceivedAt:        txn.TransactionDate,
		ReferenceNumber:   txn.ReferenceNumber,
		Source:            models.PaymentSourceReconciled,
		BankTransactionID: &txnID,
		Actor:             actor,
	})
	if models.IsIntegrity(err) {
		run.halted[target.LoanID] = true
		run.fatal = append(run.fatal, err)
		b.logger.Error("loan halted", zap.String("loan_id", target.LoanID.String()), zap.Error(err))
	}
	return payment, err
}

// reclassify matches txn against a fresh snapshot and returns the new
// installment when the result is still safe to apply without review.
func (b *BatchApplier) reclassify(ctx context.Context, txn *models.BankTransaction) (models.InstallmentRef, bool) {
	snap, err := b.ledger.Snapshot(ctx)
	if err != nil {
		return models.InstallmentRef{}, false
	}
	m := b.matcher.Match(txn, snap)
	if !m.Tier.AutoApplicable() || m.SuggestedAction != models.ActionApply || m.CandidateLoanID == nil {
		return models.InstallmentRef{}, false
	}
	return models.InstallmentRef{LoanID: *m.CandidateLoanID, Sequence: m.CandidateSequence}, true
}

// matchFor returns the candidate computed when the transaction was
// classified, or classifies it against a snapshot loaded once per batch.
func (b *BatchApplier) matchFor(ctx context.Context, run *batchRun, txn *models.BankTransaction) (models.MatchResult, error) {
	if m, ok := run.known[txn.ID]; ok {
		return m, nil
	}
	if it, ok := b.queue.Get(txn.ID); ok {
		return it.Match, nil
	}
	if run.snapshot == nil {
		snap, err := b.ledger.Snapshot(ctx)
		if err != nil {
			return models.MatchResult{}, err
		}
		run.snapshot = snap
	}
	return b.matcher.Match(txn, run.snapshot), nil
}

func (b *BatchApplier) link(ctx context.Context, txn *models.BankTransaction, match models.MatchResult, d models.ReviewDecision) error {
	e := audit.NewEntry(models.AuditPaymentLinked, b.ledger.Now())
	e.LoanID = match.CandidateLoanID
	e.Sequence = match.CandidateSequence
	e.PaymentID = match.CandidatePaymentID
	e.TransactionID = &txn.ID
	e.Amount = txn.Amount
	e.Detail = "reference " + txn.ReferenceNumber
	e.Actor = d.Reviewer

	if err := b.storage.LinkPayment(ctx, *match.CandidatePaymentID, txn.ID, []models.AuditEntry{e}); err != nil {
		return err
	}
	b.audit.Publish(e)
	return nil
}

func (b *BatchApplier) close(ctx context.Context, txn *models.BankTransaction, d models.ReviewDecision, status models.ReviewStatus) error {
	e := audit.NewEntry(models.AuditReviewDecision, b.ledger.Now())
	e.TransactionID = &txn.ID
	e.Amount = txn.Amount
	e.Detail = string(d.Action)
	if d.Note != "" {
		e.Detail += ": " + d.Note
	}
	e.Actor = d.Reviewer
	if it, ok := b.queue.Get(txn.ID); ok && it.Match.CandidateLoanID != nil {
		e.LoanID = it.Match.CandidateLoanID
		e.Sequence = it.Match.CandidateSequence
	}

	if err := b.storage.SetReviewStatus(ctx, txn.ID, status, []models.AuditEntry{e}); err != nil {
		return err
	}
	b.audit.Publish(e)
	return nil
}
