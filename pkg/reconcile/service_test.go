package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/audit"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/observability"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
)

var (
	today    = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	paidOn   = time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	firstDue = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

type env struct {
	store   *store.MemoryStore
	ledger  *ledger.Ledger
	service *Service
	loan    *models.Loan
}

// newEnv creates a 1200 interest-free loan in three installments of 400 for
// payer V-12.345.678.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore()}
	auditLog := audit.New(e.store)
	e.ledger = ledger.NewLedger(e.store,
		ledger.WithAuditLog(auditLog),
		ledger.WithClock(func() time.Time { return today }),
	)
	e.service = NewService(e.ledger, e.store,
		WithAuditLog(auditLog),
		WithWorkers(2),
		WithMetrics(observability.NewMetrics()),
	)
	e.loan = e.createLoan(t, "V-12.345.678")
	return e
}

func (e *env) createLoan(t *testing.T, payer string) *models.Loan {
	t.Helper()
	loan, err := e.ledger.CreateLoan(context.Background(), ledger.LoanRequest{
		PayerIdentifier:  payer,
		Principal:        d("1200"),
		InterestRate:     decimal.Zero,
		InstallmentCount: 3,
		FirstDueDate:     firstDue,
	})
	if err != nil {
		t.Fatalf("CreateLoan failed: %v", err)
	}
	return loan
}

// saveTxn stores a bank transaction as if it had been ingested.
func (e *env) saveTxn(t *testing.T, amount, payer, ref string) *models.BankTransaction {
	t.Helper()
	txn := &models.BankTransaction{
		ID:              uuid.New(),
		StatementID:     uuid.New(),
		Row:             2,
		Amount:          d(amount),
		TransactionDate: paidOn,
		ReferenceNumber: ref,
		PayerIdentifier: payer,
		IngestedAt:      today,
	}
	if err := e.store.SaveBankTransactions(context.Background(), []*models.BankTransaction{txn}); err != nil {
		t.Fatal(err)
	}
	return txn
}

func (e *env) txn(t *testing.T, id uuid.UUID) *models.BankTransaction {
	t.Helper()
	txn, err := e.store.GetBankTransaction(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return txn
}

func (e *env) installment(t *testing.T, loanID uuid.UUID, seq int) *models.Installment {
	t.Helper()
	loan, err := e.store.GetLoan(context.Background(), loanID)
	if err != nil {
		t.Fatal(err)
	}
	return loan.Installment(seq)
}

func countKind(entries []models.AuditEntry, kind models.AuditKind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

const statementCSV = "fecha,monto,referencia,cedula_pagador\n" +
	"15/01/2026,400.00,TRX-0001,V12345678\n" +
	"16/01/2026,395.00,,V-12.345.678\n" +
	"17/01/2026,50.00,,E-999\n"

func TestProcessStatement_AutoAppliesAndQueues(t *testing.T) {
	e := newEnv(t)

	report, err := e.service.ProcessStatement(context.Background(), []byte(statementCSV))
	if err != nil {
		t.Fatalf("ProcessStatement failed: %v", err)
	}
	if report.Rows != 3 || len(report.Transactions) != 3 || len(report.Matches) != 3 {
		t.Fatalf("Unexpected report sizes: rows=%d txns=%d matches=%d", report.Rows, len(report.Transactions), len(report.Matches))
	}

	wantTiers := []models.MatchTier{models.TierExactAmount, models.TierApproximateAmount, models.TierNoMatch}
	for i, m := range report.Matches {
		if m.Tier != wantTiers[i] {
			t.Errorf("row %d: expected %s, got %s", i+1, wantTiers[i], m.Tier)
		}
	}
	if !report.Matches[1].AmountDifference.Equal(d("-5")) {
		t.Errorf("Expected difference -5 on row 2, got %s", report.Matches[1].AmountDifference)
	}

	if report.AutoApplied.Count(models.OutcomeApplied) != 1 || len(report.AutoApplied.Items) != 1 {
		t.Fatalf("Expected one auto-applied item, got %+v", report.AutoApplied.Items)
	}
	if report.Queued != 2 || e.service.Queue().Len() != 2 {
		t.Errorf("Expected 2 queued, got report=%d queue=%d", report.Queued, e.service.Queue().Len())
	}

	first := e.txn(t, report.Transactions[0].ID)
	if !first.Reconciled || first.PaymentID == nil || first.ReviewStatus != models.ReviewStatusApplied {
		t.Errorf("Auto-applied transaction not reconciled: %+v", first)
	}
	for _, txn := range report.Transactions[1:] {
		if got := e.txn(t, txn.ID); got.Reconciled || got.ReviewStatus != models.ReviewStatusQueued {
			t.Errorf("Expected row %d queued, got %+v", txn.Row, got)
		}
	}

	payments := e.store.Payments()
	if len(payments) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(payments))
	}
	p := payments[0]
	if p.Source != models.PaymentSourceReconciled || !p.Reconciled || *p.BankTransactionID != first.ID {
		t.Errorf("Unexpected payment: %+v", p)
	}
	if p.ReferenceNumber != "TRX-0001" || !p.ReceivedAt.Equal(paidOn) {
		t.Errorf("Payment should carry the statement reference and date, got %q %s", p.ReferenceNumber, p.ReceivedAt)
	}
	if inst := e.installment(t, e.loan.ID, 1); inst.State != models.InstallmentPaid {
		t.Errorf("Expected installment 1 paid, got %s", inst.State)
	}

	entries := e.store.AuditEntries()
	if n := countKind(entries, models.AuditMatchClassified); n != 3 {
		t.Errorf("Expected 3 match_classified entries, got %d", n)
	}
	if n := countKind(entries, models.AuditPaymentApplied); n != 1 {
		t.Errorf("Expected 1 payment_applied entry, got %d", n)
	}

	stats := e.service.Stats()
	if stats.Queued != 2 || stats.Matches[string(models.TierExactAmount)] != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestProcessStatement_ReviewFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	report, err := e.service.ProcessStatement(ctx, []byte(statementCSV))
	if err != nil {
		t.Fatal(err)
	}
	approx, unknown := report.Transactions[1], report.Transactions[2]

	queued := e.service.Queue().List()
	if len(queued) != 2 || queued[0].Transaction.ID != approx.ID || queued[1].Transaction.ID != unknown.ID {
		t.Fatalf("Queue should list rows in statement order, got %+v", queued)
	}

	// The queued candidate was installment 1, which the auto-apply settled.
	res, err := e.service.ApplyDecisions(ctx, []models.ReviewDecision{
		{TransactionID: approx.ID, Action: models.ReviewApply, Reviewer: "ana"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Outcome != models.OutcomeFailed || !strings.Contains(res.Items[0].Reason, string(models.StateAlreadySettled)) {
		t.Fatalf("Expected already_settled failure, got %+v", res.Items[0])
	}
	if _, ok := e.service.Queue().Get(approx.ID); !ok {
		t.Fatal("Failed decisions must leave the item queued")
	}

	res, err = e.service.ApplyDecisions(ctx, []models.ReviewDecision{
		{
			TransactionID:       approx.ID,
			Action:              models.ReviewApply,
			OverrideInstallment: &models.InstallmentRef{LoanID: e.loan.ID, Sequence: 2},
			Reviewer:            "ana",
		},
		{TransactionID: unknown.ID, Action: models.ReviewReject, Reviewer: "ana", Note: "not our customer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Outcome != models.OutcomeApplied || res.Items[1].Outcome != models.OutcomeRejected {
		t.Fatalf("Unexpected outcomes: %+v", res.Items)
	}

	inst := e.installment(t, e.loan.ID, 2)
	if !inst.PaidPrincipal.Equal(d("395")) || !inst.PendingPrincipal.Equal(d("5")) {
		t.Errorf("Expected 395 applied to installment 2, got paid=%s pending=%s", inst.PaidPrincipal, inst.PendingPrincipal)
	}

	rejected := e.txn(t, unknown.ID)
	if rejected.Reconciled || rejected.ReviewStatus != models.ReviewStatusRejected {
		t.Errorf("Expected rejected and unreconciled, got %+v", rejected)
	}

	if e.service.Queue().Len() != 0 {
		t.Errorf("Expected empty queue, got %d", e.service.Queue().Len())
	}
	archived := e.service.Queue().Archived()
	if len(archived) != 2 || archived[1].Outcome != models.OutcomeRejected || archived[1].Decision.Note != "not our customer" {
		t.Errorf("Unexpected archive: %+v", archived)
	}

	var decision *models.AuditEntry
	for _, a := range e.store.AuditEntries() {
		if a.Kind == models.AuditReviewDecision {
			a := a
			decision = &a
		}
	}
	if decision == nil || *decision.TransactionID != unknown.ID || decision.Actor != "ana" {
		t.Errorf("Expected a review_decision entry by ana, got %+v", decision)
	}
}

func TestReconciliationIsAtMostOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	report, err := e.service.ProcessStatement(ctx, []byte(statementCSV))
	if err != nil {
		t.Fatal(err)
	}
	applied := report.Transactions[0]

	res, err := e.service.ApplyDecisions(ctx, []models.ReviewDecision{
		{TransactionID: applied.ID, Action: models.ReviewApply},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Outcome != models.OutcomeFailed || !strings.Contains(res.Items[0].Reason, string(models.StateAlreadyReconciled)) {
		t.Errorf("Expected already_reconciled, got %+v", res.Items[0])
	}

	// Going around the applier hits the storage check.
	id := applied.ID
	_, err = e.ledger.ApplyPayment(ctx, ledger.PaymentRequest{
		LoanID:            e.loan.ID,
		Amount:            d("400"),
		ReceivedAt:        paidOn,
		BankTransactionID: &id,
	})
	if !errors.Is(err, models.ErrAlreadyReconciled) {
		t.Fatalf("Expected ErrAlreadyReconciled, got %v", err)
	}

	if n := len(e.store.Payments()); n != 1 {
		t.Errorf("Expected a single payment, got %d", n)
	}
	if inst := e.installment(t, e.loan.ID, 2); !inst.PaidPrincipal.IsZero() {
		t.Errorf("Rejected commit must not touch installment 2, paid=%s", inst.PaidPrincipal)
	}
}

func TestProcessStatement_LinksRecordedPayment(t *testing.T) {
	e := newEnv(t)
	recorded := &models.Payment{
		ID:              uuid.New(),
		LoanID:          e.loan.ID,
		Amount:          d("400"),
		PayerIdentifier: "V12345678",
		ReceivedAt:      paidOn,
		ReferenceNumber: "CONC-4521",
		Source:          models.PaymentSourceManual,
		Allocations:     []models.AllocationDetail{{Sequence: 1, Principal: d("400")}},
	}
	e.store.AddPayment(recorded)

	csv := "fecha,monto,referencia,cedula_pagador\n15/01/2026,400.00,conc-4521,V12345678\n"
	report, err := e.service.ProcessStatement(context.Background(), []byte(csv))
	if err != nil {
		t.Fatal(err)
	}

	m := report.Matches[0]
	if m.Tier != models.TierExactReference || m.Confidence != 90 || m.SuggestedAction != models.ActionLinkPayment {
		t.Fatalf("Expected exact_reference link, got %+v", m)
	}
	item := report.AutoApplied.Items[0]
	if item.Outcome != models.OutcomeLinked || *item.PaymentID != recorded.ID {
		t.Fatalf("Expected linked to %s, got %+v", recorded.ID, item)
	}

	payments := e.store.Payments()
	if len(payments) != 1 || !payments[0].Reconciled || *payments[0].BankTransactionID != report.Transactions[0].ID {
		t.Errorf("Expected the recorded payment to be linked, got %+v", payments)
	}
	if txn := e.txn(t, report.Transactions[0].ID); !txn.Reconciled || *txn.PaymentID != recorded.ID {
		t.Errorf("Transaction not linked: %+v", txn)
	}
	if n := countKind(e.store.AuditEntries(), models.AuditPaymentLinked); n != 1 {
		t.Errorf("Expected 1 payment_linked entry, got %d", n)
	}
}

func TestProcessStatement_IngestErrors(t *testing.T) {
	e := newEnv(t)

	_, err := e.service.ProcessStatement(context.Background(), []byte("fecha,referencia\n15/01/2026,X\n"))
	var missing *models.MissingColumnsError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingColumnsError, got %v", err)
	}

	report, err := e.service.ProcessStatement(context.Background(), []byte("fecha,monto,cedula_pagador\nmañana,10,V1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Warnings) != 1 || len(report.Transactions) != 0 || report.Queued != 0 {
		t.Errorf("Expected one warning and nothing else, got %+v", report)
	}
}

func TestProcessStatement_Cancelled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.service.ProcessStatement(ctx, []byte(statementCSV))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if n := len(e.store.Payments()); n != 0 {
		t.Errorf("Expected no payments after cancellation, got %d", n)
	}
}

func TestProcessStatement_SameAmountRowsSettleConsecutiveInstallments(t *testing.T) {
	e := newEnv(t)
	csv := "fecha,monto,referencia,cedula_pagador\n" +
		"15/01/2026,400.00,,V12345678\n" +
		"16/01/2026,400.00,,V12345678\n"

	report, err := e.service.ProcessStatement(context.Background(), []byte(csv))
	if err != nil {
		t.Fatalf("ProcessStatement failed: %v", err)
	}
	for i, m := range report.Matches {
		if m.Tier != models.TierExactAmount || m.CandidateSequence != 1 {
			t.Errorf("match %d: expected exact_amount on installment 1, got %s on %d", i, m.Tier, m.CandidateSequence)
		}
	}

	if n := report.AutoApplied.Count(models.OutcomeApplied); n != 2 {
		t.Fatalf("Expected both rows applied, got %+v", report.AutoApplied.Items)
	}
	if report.Queued != 0 || e.service.Queue().Len() != 0 {
		t.Errorf("Expected nothing queued, got %d", report.Queued)
	}
	for seq := 1; seq <= 2; seq++ {
		if inst := e.installment(t, e.loan.ID, seq); inst.State != models.InstallmentPaid {
			t.Errorf("installment %d: expected paid, got %s", seq, inst.State)
		}
	}
	if inst := e.installment(t, e.loan.ID, 3); !inst.PaidPrincipal.IsZero() {
		t.Errorf("installment 3 should be untouched, got %s", inst.PaidPrincipal)
	}
}

func TestRestoreQueue_AfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	open := func() (*store.SQLiteStore, *ledger.Ledger, *Service) {
		t.Helper()
		db, err := store.NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		l := ledger.NewLedger(db, ledger.WithClock(func() time.Time { return today }))
		return db, l, NewService(l, db, WithWorkers(2))
	}

	db, l, svc := open()
	loan, err := l.CreateLoan(ctx, ledger.LoanRequest{
		PayerIdentifier:  "V-12.345.678",
		Principal:        d("1200"),
		InterestRate:     decimal.Zero,
		InstallmentCount: 3,
		FirstDueDate:     firstDue,
	})
	if err != nil {
		t.Fatal(err)
	}
	report, err := svc.ProcessStatement(ctx, []byte(statementCSV))
	if err != nil {
		t.Fatal(err)
	}
	if report.Queued != 2 || svc.Queue().Len() != 2 {
		t.Fatalf("Expected 2 queued before restart, got %d/%d", report.Queued, svc.Queue().Len())
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, _, svc = open()
	defer db.Close()
	if svc.Queue().Len() != 0 {
		t.Fatalf("A fresh service starts with an empty queue")
	}
	n, err := svc.RestoreQueue(ctx)
	if err != nil {
		t.Fatalf("RestoreQueue failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 restored items, got %d", n)
	}

	items := svc.Queue().List()
	if items[0].Transaction.Row != 3 || items[1].Transaction.Row != 4 {
		t.Errorf("Expected rows 3 and 4 in order, got %d and %d", items[0].Transaction.Row, items[1].Transaction.Row)
	}
	if items[0].Match.Tier != models.TierApproximateAmount || items[0].Match.CandidateSequence != 2 {
		t.Errorf("Expected the 395 row to be re-matched to installment 2, got %+v", items[0].Match)
	}
	if items[1].Match.Tier != models.TierNoMatch {
		t.Errorf("Expected the unknown payer to stay unmatched, got %s", items[1].Match.Tier)
	}

	res, err := svc.ApplyDecisions(ctx, []models.ReviewDecision{
		{TransactionID: items[0].Transaction.ID, Action: models.ReviewApply, Reviewer: "ana"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Outcome != models.OutcomeApplied {
		t.Fatalf("Expected the restored item to apply, got %+v", res.Items[0])
	}
	reloaded, err := db.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.Installment(2).PaidPrincipal.Equal(d("395")) {
		t.Errorf("Expected 395 on installment 2, got %s", reloaded.Installment(2).PaidPrincipal)
	}
	if svc.Queue().Len() != 1 {
		t.Errorf("Expected 1 item left in review, got %d", svc.Queue().Len())
	}
}
