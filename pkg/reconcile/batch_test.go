package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/shopspring/decimal"
)

func TestApplyBatch_ClassifiesWhenNotQueued(t *testing.T) {
	e := newEnv(t)
	txn := e.saveTxn(t, "400", "V12345678", "")

	res, err := e.service.ApplyDecisions(context.Background(), []models.ReviewDecision{
		{TransactionID: txn.ID, Action: models.ReviewApply, Reviewer: "ana"},
	})
	if err != nil {
		t.Fatal(err)
	}
	item := res.Items[0]
	if item.Outcome != models.OutcomeApplied || item.Payment == nil {
		t.Fatalf("Expected applied, got %+v", item)
	}
	if len(item.Payment.Allocations) != 1 || item.Payment.Allocations[0].Sequence != 1 {
		t.Errorf("Expected installment 1, got %+v", item.Payment.Allocations)
	}

	for _, a := range e.store.AuditEntries() {
		if a.Kind == models.AuditPaymentApplied && (a.TransactionID == nil || *a.TransactionID != txn.ID || a.Actor != "ana") {
			t.Errorf("payment_applied entry should carry the transaction and reviewer, got %+v", a)
		}
	}
}

func TestApplyBatch_FailuresAreIsolated(t *testing.T) {
	e := newEnv(t)
	good := e.saveTxn(t, "400", "V12345678", "")
	other := e.saveTxn(t, "400", "V12345678", "")
	stranger := e.saveTxn(t, "10", "E-1", "")
	zero := decimal.Zero

	res, err := e.service.ApplyDecisions(context.Background(), []models.ReviewDecision{
		{TransactionID: uuid.New(), Action: models.ReviewApply},
		{TransactionID: good.ID, Action: "approve"},
		{TransactionID: good.ID, Action: models.ReviewApply, AdjustedAmount: &zero},
		{TransactionID: stranger.ID, Action: models.ReviewApply},
		{TransactionID: other.ID, Action: models.ReviewApply, OverrideInstallment: &models.InstallmentRef{LoanID: e.loan.ID, Sequence: 9}},
		{TransactionID: good.ID, Action: models.ReviewApply},
	})
	if err != nil {
		t.Fatalf("Per-item failures must not fail the batch: %v", err)
	}

	want := []models.BatchOutcome{
		models.OutcomeFailed, models.OutcomeFailed, models.OutcomeFailed,
		models.OutcomeFailed, models.OutcomeFailed, models.OutcomeApplied,
	}
	if len(res.Items) != len(want) {
		t.Fatalf("Expected %d items, got %d", len(want), len(res.Items))
	}
	for i, it := range res.Items {
		if it.Outcome != want[i] {
			t.Errorf("item %d: expected %s, got %s (%s)", i, want[i], it.Outcome, it.Reason)
		}
		if it.Outcome == models.OutcomeFailed && it.Reason == "" {
			t.Errorf("item %d: failed without a reason", i)
		}
	}
	if res.Count(models.OutcomeApplied) != 1 {
		t.Errorf("Expected exactly one applied item")
	}
}

func TestApplyBatch_AdjustedAmount(t *testing.T) {
	e := newEnv(t)
	txn := e.saveTxn(t, "1000", "V12345678", "")
	adjusted := d("250")

	res, err := e.service.ApplyDecisions(context.Background(), []models.ReviewDecision{
		{
			TransactionID:       txn.ID,
			Action:              models.ReviewApply,
			AdjustedAmount:      &adjusted,
			OverrideInstallment: &models.InstallmentRef{LoanID: e.loan.ID, Sequence: 3},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Outcome != models.OutcomeApplied || !res.Items[0].Payment.Amount.Equal(adjusted) {
		t.Fatalf("Expected 250 applied, got %+v", res.Items[0])
	}
	if inst := e.installment(t, e.loan.ID, 3); !inst.PaidPrincipal.Equal(adjusted) {
		t.Errorf("Expected 250 on installment 3, got %s", inst.PaidPrincipal)
	}
	if inst := e.installment(t, e.loan.ID, 1); !inst.PaidPrincipal.IsZero() {
		t.Errorf("Installment 1 should be untouched, got %s", inst.PaidPrincipal)
	}
}

func TestApplyBatch_NotApplicable(t *testing.T) {
	e := newEnv(t)
	txn := e.saveTxn(t, "75", "V12345678", "")

	res, err := e.service.ApplyDecisions(context.Background(), []models.ReviewDecision{
		{TransactionID: txn.ID, Action: models.ReviewNotApplicable, Reviewer: "luis", Note: "payroll"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Outcome != models.OutcomeNotApplicable {
		t.Fatalf("Expected not_applicable, got %+v", res.Items[0])
	}
	got := e.txn(t, txn.ID)
	if got.Reconciled || got.ReviewStatus != models.ReviewStatusNotApplicable {
		t.Errorf("Unexpected transaction state: %+v", got)
	}
	if n := len(e.store.Payments()); n != 0 {
		t.Errorf("not_applicable must not create payments, got %d", n)
	}
	if n := countKind(e.store.AuditEntries(), models.AuditReviewDecision); n != 1 {
		t.Errorf("Expected 1 review_decision entry, got %d", n)
	}
}

func TestApplyBatch_IntegrityFailureHaltsLoan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	second := e.createLoan(t, "E-1")

	corrupt, err := e.store.GetLoan(ctx, e.loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	corrupt.Installment(1).PaidPrincipal = d("50")
	if err := e.store.UpdateInstallments(ctx, corrupt, nil); err != nil {
		t.Fatal(err)
	}

	a := e.saveTxn(t, "100", "V12345678", "")
	b := e.saveTxn(t, "100", "V12345678", "")
	c := e.saveTxn(t, "100", "E-1", "")

	res, err := e.service.ApplyDecisions(ctx, []models.ReviewDecision{
		{TransactionID: a.ID, Action: models.ReviewApply, OverrideInstallment: &models.InstallmentRef{LoanID: e.loan.ID, Sequence: 1}},
		{TransactionID: b.ID, Action: models.ReviewApply, OverrideInstallment: &models.InstallmentRef{LoanID: e.loan.ID, Sequence: 2}},
		{TransactionID: c.ID, Action: models.ReviewApply, OverrideInstallment: &models.InstallmentRef{LoanID: second.ID, Sequence: 1}},
	})
	if !models.IsIntegrity(err) {
		t.Fatalf("Expected an IntegrityError, got %v", err)
	}

	outcomes := []models.BatchOutcome{res.Items[0].Outcome, res.Items[1].Outcome, res.Items[2].Outcome}
	want := []models.BatchOutcome{models.OutcomeFailed, models.OutcomeFailed, models.OutcomeApplied}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("item %d: expected %s, got %s", i, want[i], outcomes[i])
		}
	}

	if inst := e.installment(t, e.loan.ID, 2); !inst.PaidPrincipal.IsZero() {
		t.Errorf("Halted loan must not be touched, got %s", inst.PaidPrincipal)
	}
	if got := e.txn(t, a.ID); got.Reconciled {
		t.Error("Transaction of the failed commit must stay unreconciled")
	}
}

func TestApplyBatch_Cancelled(t *testing.T) {
	e := newEnv(t)
	a := e.saveTxn(t, "400", "V12345678", "")
	b := e.saveTxn(t, "400", "V12345678", "")
	before := len(e.store.AuditEntries())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.service.ApplyDecisions(ctx, []models.ReviewDecision{
		{TransactionID: a.ID, Action: models.ReviewApply},
		{TransactionID: b.ID, Action: models.ReviewReject},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res.Count(models.OutcomeCancelled) != 2 {
		t.Errorf("Expected both items cancelled, got %+v", res.Items)
	}
	if after := len(e.store.AuditEntries()); after != before {
		t.Errorf("Cancelled batch wrote %d audit entries", after-before)
	}
	if len(e.service.Queue().Archived()) != 0 {
		t.Error("Cancelled decisions must not be archived")
	}
}

func TestReviewQueue(t *testing.T) {
	q := NewReviewQueue()
	at := time.Date(2026, 1, 20, 8, 0, 0, 0, time.UTC)
	mk := func(row int, queued time.Time) ReviewItem {
		return ReviewItem{Transaction: &models.BankTransaction{ID: uuid.New(), Row: row}, QueuedAt: queued}
	}

	late := mk(2, at.Add(time.Hour))
	second := mk(5, at)
	first := mk(3, at)
	for _, it := range []ReviewItem{late, second, first} {
		q.Enqueue(it)
	}

	list := q.List()
	if len(list) != 3 || list[0].Transaction != first.Transaction || list[1].Transaction != second.Transaction || list[2].Transaction != late.Transaction {
		t.Fatalf("Unexpected order: rows %d %d %d", list[0].Transaction.Row, list[1].Transaction.Row, list[2].Transaction.Row)
	}

	q.Archive(models.ReviewDecision{TransactionID: second.Transaction.ID, Action: models.ReviewReject}, models.OutcomeRejected, at)
	if _, ok := q.Get(second.Transaction.ID); ok {
		t.Error("Archived item still pending")
	}
	if q.Len() != 2 || len(q.Archived()) != 1 {
		t.Errorf("Expected 2 pending and 1 archived, got %d and %d", q.Len(), len(q.Archived()))
	}
}
