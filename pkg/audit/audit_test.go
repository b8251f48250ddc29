package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcclellann/loanrecon/pkg/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	entries []models.AuditEntry
	err     error
}

func (s *recordingSink) AppendAudit(_ context.Context, entries ...models.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func TestAppendWritesThenPublishes(t *testing.T) {
	sink := &recordingSink{}
	log := New(sink)

	var seen []models.AuditKind
	log.Subscribe(func(e models.AuditEntry) { seen = append(seen, e.Kind) })

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := log.Append(context.Background(),
		NewEntry(models.AuditReviewDecision, now),
		NewEntry(models.AuditMatchClassified, now),
	)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(sink.entries) != 2 {
		t.Fatalf("Expected 2 persisted entries, got %d", len(sink.entries))
	}
	if len(seen) != 2 || seen[0] != models.AuditReviewDecision {
		t.Errorf("Subscriber saw %v", seen)
	}
}

func TestAppendDoesNotPublishOnSinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	log := New(sink)

	published := false
	log.Subscribe(func(models.AuditEntry) { published = true })

	err := log.Append(context.Background(), NewEntry(models.AuditReviewDecision, time.Now()))
	if err == nil {
		t.Fatal("Expected error from failing sink")
	}
	if published {
		t.Error("Entries must not reach subscribers when the write failed")
	}
}

func TestPublishOnNilLogIsNoop(t *testing.T) {
	var log *Log
	log.Publish(NewEntry(models.AuditPaymentApplied, time.Now()))
}

func TestLoggingSubscriber(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sub := LoggingSubscriber(zap.New(core))

	e := NewEntry(models.AuditPaymentApplied, time.Now())
	e.Detail = "late_fee=0.00 interest=100.00 principal=150.00"
	sub(e)

	if logs.Len() != 1 {
		t.Fatalf("Expected 1 log line, got %d", logs.Len())
	}
	if got := logs.All()[0].ContextMap()["kind"]; got != string(models.AuditPaymentApplied) {
		t.Errorf("Expected kind field %q, got %v", models.AuditPaymentApplied, got)
	}
}
