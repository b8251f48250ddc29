package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/audit"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/observability"
	"github.com/mcclellann/loanrecon/pkg/statement"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AutoReviewer is the actor recorded for decisions taken without a human.
const AutoReviewer = "auto"

// Service runs the reconciliation pipeline: ingest, classify, auto-apply the
// exact tiers and queue everything else for review.
type Service struct {
	ledger  *ledger.Ledger
	storage store.Storage
	audit   *audit.Log
	matcher *Matcher
	queue   *ReviewQueue
	applier *BatchApplier
	logger  *zap.Logger
	metrics *observability.Metrics
}

type Option func(*serviceConfig)

type serviceConfig struct {
	tolerance decimal.Decimal
	workers   int
	audit     *audit.Log
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func WithTolerance(t decimal.Decimal) Option {
	return func(c *serviceConfig) { c.tolerance = t }
}

func WithWorkers(n int) Option {
	return func(c *serviceConfig) { c.workers = n }
}

func WithAuditLog(a *audit.Log) Option {
	return func(c *serviceConfig) { c.audit = a }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *serviceConfig) { c.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *serviceConfig) { c.metrics = m }
}

func NewService(l *ledger.Ledger, s store.Storage, opts ...Option) *Service {
	cfg := serviceConfig{tolerance: DefaultTolerance, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.audit == nil {
		cfg.audit = audit.New(s)
	}

	matcher := NewMatcher(cfg.tolerance, cfg.workers)
	queue := NewReviewQueue()
	return &Service{
		ledger:  l,
		storage: s,
		audit:   cfg.audit,
		matcher: matcher,
		queue:   queue,
		applier: NewBatchApplier(l, s, matcher, queue, cfg.audit, cfg.logger, cfg.metrics),
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}
}

func (s *Service) Queue() *ReviewQueue {
	return s.queue
}

func (s *Service) Matcher() *Matcher {
	return s.matcher
}

// RestoreQueue reloads transactions persisted as queued into the review
// queue, re-matching them against the current ledger. It is meant to run once
// at start-up, before requests are served.
func (s *Service) RestoreQueue(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Service.RestoreQueue")
	defer span.End()

	txns, err := s.storage.GetQueuedTransactions(ctx)
	if err != nil {
		return 0, err
	}
	if len(txns) == 0 {
		return 0, nil
	}

	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	matches, err := s.matcher.MatchAll(ctx, txns, snap)
	if err != nil {
		return 0, err
	}
	for i, m := range matches {
		s.queue.Enqueue(ReviewItem{Transaction: txns[i], Match: m, QueuedAt: txns[i].IngestedAt})
	}
	span.SetAttributes(attribute.Int("restored", len(txns)))
	s.logger.Info("review queue restored", zap.Int("queued", len(txns)))
	return len(txns), nil
}

// StatementReport is everything one statement upload produced.
type StatementReport struct {
	StatementID  uuid.UUID                 `json:"statement_id"`
	Rows         int                       `json:"rows"`
	Transactions []*models.BankTransaction `json:"transactions"`
	Warnings     []statement.RowWarning    `json:"warnings"`
	Matches      []models.MatchResult      `json:"matches"`
	AutoApplied  *models.BatchResult       `json:"auto_applied"`
	Queued       int                       `json:"queued"`
}

// ProcessStatement ingests a statement file and reconciles every accepted
// row. Ingestion errors abort before anything is stored. The returned error
// is non-nil for cancellation and integrity failures; the report is still
// filled in as far as processing got.
func (s *Service) ProcessStatement(ctx context.Context, data []byte) (*StatementReport, error) {
	ctx, span := tracer.Start(ctx, "Service.ProcessStatement")
	defer span.End()

	res, err := statement.Ingest(data)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("statement_id", res.StatementID.String()), attribute.Int("rows", res.Rows))
	s.metrics.AddStatementRows("accepted", len(res.Transactions))
	s.metrics.AddStatementRows("rejected", res.Rows-len(res.Transactions))

	report := &StatementReport{
		StatementID:  res.StatementID,
		Rows:         res.Rows,
		Transactions: res.Transactions,
		Warnings:     res.Warnings,
		Matches:      []models.MatchResult{},
		AutoApplied:  &models.BatchResult{Items: []models.BatchItemResult{}},
	}
	if len(res.Transactions) == 0 {
		return report, nil
	}

	if err := s.storage.SaveBankTransactions(ctx, res.Transactions); err != nil {
		return nil, fmt.Errorf("failed to store bank transactions: %w", err)
	}

	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	matches, err := s.matcher.MatchAll(ctx, res.Transactions, snap)
	if err != nil {
		return report, err
	}
	report.Matches = matches

	if err := s.recordMatches(ctx, res.Transactions, matches); err != nil {
		return report, err
	}

	byID := make(map[uuid.UUID]*models.BankTransaction, len(res.Transactions))
	known := make(map[uuid.UUID]models.MatchResult, len(matches))
	var auto []models.ReviewDecision
	for i, m := range matches {
		byID[m.TransactionID] = res.Transactions[i]
		known[m.TransactionID] = m
		if m.Tier.AutoApplicable() {
			auto = append(auto, models.ReviewDecision{
				TransactionID: m.TransactionID,
				Action:        models.ReviewApply,
				Reviewer:      AutoReviewer,
			})
		}
	}

	applied, applyErr := s.applier.apply(ctx, auto, known)
	report.AutoApplied = applied

	if err := ctx.Err(); err != nil {
		return report, err
	}

	failedAuto := make(map[uuid.UUID]bool)
	for _, it := range applied.Items {
		if it.Outcome == models.OutcomeFailed {
			failedAuto[it.TransactionID] = true
		}
	}

	now := s.ledger.Now()
	for _, m := range matches {
		if m.Tier.AutoApplicable() && !failedAuto[m.TransactionID] {
			continue
		}
		if err := s.storage.SetReviewStatus(ctx, m.TransactionID, models.ReviewStatusQueued, nil); err != nil {
			s.logger.Error("failed to mark transaction queued", zap.String("transaction_id", m.TransactionID.String()), zap.Error(err))
			continue
		}
		s.queue.Enqueue(ReviewItem{Transaction: byID[m.TransactionID], Match: m, QueuedAt: now})
		report.Queued++
	}

	s.logger.Info("statement processed",
		zap.String("statement_id", res.StatementID.String()),
		zap.Int("rows", res.Rows),
		zap.Int("warnings", len(res.Warnings)),
		zap.Int("auto_applied", applied.Count(models.OutcomeApplied)+applied.Count(models.OutcomeLinked)),
		zap.Int("queued", report.Queued),
	)
	return report, applyErr
}

func (s *Service) recordMatches(ctx context.Context, txns []*models.BankTransaction, matches []models.MatchResult) error {
	now := s.ledger.Now()
	entries := make([]models.AuditEntry, 0, len(matches))
	for i, m := range matches {
		s.metrics.IncrMatch(string(m.Tier))

		e := audit.NewEntry(models.AuditMatchClassified, now)
		e.TransactionID = &txns[i].ID
		e.LoanID = m.CandidateLoanID
		e.Sequence = m.CandidateSequence
		e.PaymentID = m.CandidatePaymentID
		e.Amount = txns[i].Amount
		e.Actor = AutoReviewer
		e.Detail = fmt.Sprintf("tier=%s confidence=%d action=%s difference=%s",
			m.Tier, m.Confidence, m.SuggestedAction, m.AmountDifference.StringFixed(2))
		entries = append(entries, e)
	}
	return s.audit.Append(ctx, entries...)
}

// ApplyDecisions runs reviewer decisions through the batch applier.
func (s *Service) ApplyDecisions(ctx context.Context, decisions []models.ReviewDecision) (*models.BatchResult, error) {
	return s.applier.ApplyBatch(ctx, decisions)
}

// Stats summarizes reconciliation activity since start-up.
type Stats struct {
	observability.Snapshot
	Queued int `json:"queued"`
}

func (s *Service) Stats() Stats {
	return Stats{Snapshot: s.metrics.Snapshot(), Queued: s.queue.Len()}
}
