package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
)

// ReviewItem is a transaction waiting for a human decision, together with
// the match that was computed for it when it was queued.
type ReviewItem struct {
	Transaction *models.BankTransaction `json:"transaction"`
	Match       models.MatchResult      `json:"match"`
	QueuedAt    time.Time               `json:"queued_at"`
}

// ArchivedDecision is a consumed ReviewDecision and what came of it.
type ArchivedDecision struct {
	Decision   models.ReviewDecision `json:"decision"`
	Outcome    models.BatchOutcome   `json:"outcome"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// ReviewQueue holds ambiguous and unmatched transactions until a reviewer
// resolves them. It is safe for concurrent use.
type ReviewQueue struct {
	mu       sync.Mutex
	pending  map[uuid.UUID]ReviewItem
	archived []ArchivedDecision
}

func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{pending: make(map[uuid.UUID]ReviewItem)}
}

// Enqueue adds or replaces the item for a transaction.
func (q *ReviewQueue) Enqueue(item ReviewItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[item.Transaction.ID] = item
}

// List returns pending items, oldest first, ties broken by statement row.
func (q *ReviewQueue) List() []ReviewItem {
	q.mu.Lock()
	items := make([]ReviewItem, 0, len(q.pending))
	for _, it := range q.pending {
		items = append(items, it)
	}
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		if a.Transaction.Row != b.Transaction.Row {
			return a.Transaction.Row < b.Transaction.Row
		}
		return a.Transaction.ID.String() < b.Transaction.ID.String()
	})
	return items
}

func (q *ReviewQueue) Get(id uuid.UUID) (ReviewItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.pending[id]
	return it, ok
}

func (q *ReviewQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Archive removes the transaction from the queue and records the decision
// that resolved it. A decision is consumed exactly once.
func (q *ReviewQueue) Archive(d models.ReviewDecision, outcome models.BatchOutcome, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, d.TransactionID)
	q.archived = append(q.archived, ArchivedDecision{Decision: d, Outcome: outcome, ArchivedAt: at})
}

// Archived returns resolved decisions in the order they were consumed.
func (q *ReviewQueue) Archived() []ArchivedDecision {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ArchivedDecision, len(q.archived))
	copy(out, q.archived)
	return out
}
