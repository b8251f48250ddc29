package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanrecon/pkg/audit"
	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/observability"
	"github.com/mcclellann/loanrecon/pkg/reconcile"
	"github.com/mcclellann/loanrecon/pkg/resilience"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxStatementBytes = 32 << 20

const dateLayout = "2006-01-02"

// Server holds the ledger and the reconciliation service.
type Server struct {
	ledger  *ledger.Ledger
	recon   *reconcile.Service
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewServer(s store.Storage, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *Server {
	auditLog := audit.New(s)
	auditLog.Subscribe(audit.LoggingSubscriber(logger.Named("audit")))

	guard := resilience.NewGuard("storage", resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		Permanent:      models.IsPermanent,
	})

	l := ledger.NewLedger(s,
		ledger.WithAuditLog(auditLog),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(metrics),
		ledger.WithGuard(guard),
		ledger.WithDefaultLateRate(cfg.DefaultLateDailyRate),
	)
	recon := reconcile.NewService(l, s,
		reconcile.WithTolerance(cfg.MatchTolerance),
		reconcile.WithWorkers(cfg.MatchWorkers),
		reconcile.WithAuditLog(auditLog),
		reconcile.WithLogger(logger.Named("reconcile")),
		reconcile.WithMetrics(metrics),
	)

	return &Server{ledger: l, recon: recon, metrics: metrics, logger: logger}
}

// Router wires every route behind the logging and tracing middleware.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(observability.LoggingMiddleware(s.logger))
	router.Use(tracingMiddleware)

	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	v1.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	v1.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	v1.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	v1.HandleFunc("/loans/{id}/audit", s.auditHandler).Methods("GET")

	v1.HandleFunc("/statements", s.uploadStatementHandler).Methods("POST")
	v1.HandleFunc("/review", s.listReviewHandler).Methods("GET")
	v1.HandleFunc("/review/decisions", s.decisionsHandler).Methods("POST")
	v1.HandleFunc("/reconciliation/stats", s.statsHandler).Methods("GET")
	return router
}

// refreshLateFees recomputes mora on every tick until ctx is done.
func (s *Server) refreshLateFees(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ledger.RefreshLateFees(ctx, s.ledger.Now())
			if err != nil {
				s.logger.Error("late fee refresh failed", zap.Error(err))
				continue
			}
			s.logger.Info("late fee refresh complete", zap.Int("loans_updated", n))
		}
	}
}

var tracer = otel.Tracer("api")

func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Method + " " + r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				name = r.Method + " " + tpl
			}
		}
		ctx, span := tracer.Start(r.Context(), name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method)),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps ledger and reconciliation errors to HTTP status codes.
func statusFor(err error) int {
	var validation *models.ValidationError
	var missing *models.MissingColumnsError
	var notFound *models.NotFoundError
	var state *models.StateError
	var integrity *models.IntegrityError

	switch {
	case errors.As(err, &validation), errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &state):
		return http.StatusConflict
	case errors.As(err, &integrity):
		return http.StatusInternalServerError
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError writes the mapped status. Internal details of
// unexpected errors stay in the log.
func (s *Server) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := []zap.Field{zap.Error(err), zap.String("path", r.URL.Path)}
	if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}

	var integrity *models.IntegrityError
	switch {
	case errors.As(err, &integrity):
		s.logger.Error("ledger integrity failure", fields...)
		writeError(w, status, err.Error())
	case status == http.StatusInternalServerError:
		s.logger.Error("unhandled error", fields...)
		writeError(w, status, "internal server error")
	default:
		s.logger.Debug("request rejected", fields...)
		writeError(w, status, err.Error())
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid loan ID")
		return uuid.Nil, false
	}
	return id, true
}

// parseDate accepts an empty string as the zero time.
func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: field, Message: "expected YYYY-MM-DD"}
	}
	return t, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLoanRequest struct {
	PayerIdentifier  string           `json:"payer_identifier"`
	Principal        decimal.Decimal  `json:"principal"`
	InterestRate     decimal.Decimal  `json:"interest_rate"`
	InstallmentCount int              `json:"installment_count"`
	FirstDueDate     string           `json:"first_due_date,omitempty"`
	LateDailyRate    *decimal.Decimal `json:"late_daily_rate,omitempty"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	firstDue, err := parseDate("first_due_date", req.FirstDueDate)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), ledger.LoanRequest{
		PayerIdentifier:  req.PayerIdentifier,
		Principal:        req.Principal,
		InterestRate:     req.InterestRate,
		InstallmentCount: req.InstallmentCount,
		FirstDueDate:     firstDue,
		LateDailyRate:    req.LateDailyRate,
	})
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

type paymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Sequence        int             `json:"sequence_number,omitempty"`
	ReceivedAt      string          `json:"received_at,omitempty"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	PayerIdentifier string          `json:"payer_identifier,omitempty"`
	Actor           string          `json:"actor,omitempty"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receivedAt, err := parseDate("received_at", req.ReceivedAt)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	payment, err := s.ledger.ApplyPayment(r.Context(), ledger.PaymentRequest{
		LoanID:          loanID,
		Sequence:        req.Sequence,
		Amount:          req.Amount,
		PayerIdentifier: req.PayerIdentifier,
		ReceivedAt:      receivedAt,
		ReferenceNumber: req.ReferenceNumber,
		Source:          models.PaymentSourceManual,
		Actor:           req.Actor,
	})
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := parseID(w, r)
	if !ok {
		return
	}
	entries, err := s.ledger.GetAuditTrail(r.Context(), loanID)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// readStatement takes the statement from a multipart "file" field or, for
// any other content type, from the raw body.
func readStatement(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, &models.ValidationError{Field: "file", Message: err.Error()}
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func (s *Server) uploadStatementHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxStatementBytes)
	data, err := readStatement(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("statement exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.handleServiceError(w, r, err)
		return
	}

	report, err := s.recon.ProcessStatement(r.Context(), data)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listReviewHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recon.Queue().List())
}

type decisionsRequest struct {
	Decisions []models.ReviewDecision `json:"decisions"`
}

type decisionsResponse struct {
	*models.BatchResult
	Error string `json:"error,omitempty"`
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	var req decisionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Decisions) == 0 {
		writeError(w, http.StatusBadRequest, "no decisions")
		return
	}

	result, err := s.recon.ApplyDecisions(r.Context(), req.Decisions)
	if err != nil {
		// Per-item outcomes are still reported alongside batch-level failures.
		s.logger.Error("batch finished with errors", zap.Error(err))
		writeJSON(w, statusFor(err), decisionsResponse{BatchResult: result, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, decisionsResponse{BatchResult: result})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recon.Stats())
}
