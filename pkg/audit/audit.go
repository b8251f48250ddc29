// Package audit is the append-only record of ledger mutations and
// reconciliation decisions. Entries are written to a Sink and then fanned out
// to subscribers (notifications, reporting), which never block the writer's
// transaction.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
	"go.uber.org/zap"
)

// Sink persists entries. Implementations must only ever insert.
type Sink interface {
	AppendAudit(ctx context.Context, entries ...models.AuditEntry) error
}

// Subscriber receives every entry after it has been durably written.
type Subscriber func(models.AuditEntry)

type Log struct {
	sink Sink

	mu   sync.RWMutex
	subs []Subscriber
}

func New(sink Sink) *Log {
	return &Log{sink: sink}
}

// Subscribe registers a downstream consumer.
func (l *Log) Subscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, s)
}

// Append writes entries that are not part of a ledger commit, such as review
// decisions, and publishes them.
func (l *Log) Append(ctx context.Context, entries ...models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.sink.AppendAudit(ctx, entries...); err != nil {
		return fmt.Errorf("append audit entries: %w", err)
	}
	l.Publish(entries...)
	return nil
}

// Publish notifies subscribers of entries the storage layer already committed
// together with a ledger mutation.
func (l *Log) Publish(entries ...models.AuditEntry) {
	if l == nil {
		return
	}
	l.mu.RLock()
	subs := make([]Subscriber, len(l.subs))
	copy(subs, l.subs)
	l.mu.RUnlock()

	for _, e := range entries {
		for _, s := range subs {
			s(e)
		}
	}
}

// NewEntry stamps a fresh entry.
func NewEntry(kind models.AuditKind, at time.Time) models.AuditEntry {
	return models.AuditEntry{
		ID:   uuid.New(),
		Kind: kind,
		At:   at,
	}
}

// LoggingSubscriber writes each entry to the structured log.
func LoggingSubscriber(logger *zap.Logger) Subscriber {
	return func(e models.AuditEntry) {
		fields := []zap.Field{
			zap.String("audit_id", e.ID.String()),
			zap.String("kind", string(e.Kind)),
			zap.String("amount", e.Amount.StringFixed(2)),
		}
		if e.LoanID != nil {
			fields = append(fields, zap.String("loan_id", e.LoanID.String()), zap.Int("sequence", e.Sequence))
		}
		if e.TransactionID != nil {
			fields = append(fields, zap.String("transaction_id", e.TransactionID.String()))
		}
		if e.Detail != "" {
			fields = append(fields, zap.String("detail", e.Detail))
		}
		logger.Info("audit", fields...)
	}
}
