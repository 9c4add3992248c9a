// Package gateway exposes the negotiation protocol over HTTP: message
// send, task queries, status streaming, payment reporting, and credit
// lookups.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"credflow/auth"
	"credflow/ledger"
	"credflow/task"
)

type ctxKey int

const (
	ctxKeyAgentID ctxKey = iota
	ctxKeyRole
	ctxKeyRequestID
)

// Negotiator is the slice of the task orchestrator the gateway calls.
type Negotiator interface {
	Process(ctx context.Context, p task.SendParams) (task.Task, error)
	Cancel(ctx context.Context, taskID string) (task.Task, error)
	GetTask(taskID string, historyLength int) (task.Task, error)
	ListPendingApproval() []task.Task
	Subscribe(taskID string) (<-chan task.StatusUpdate, func(), error)
}

// Ledger is the slice of the payment ledger the gateway calls.
type Ledger interface {
	RecordEvent(ctx context.Context, params ledger.EventParams) (ledger.RecordResult, error)
	GetScore(ctx context.Context, agentID string) (ledger.Score, error)
	GetHistory(ctx context.Context, q ledger.HistoryQuery) (ledger.HistoryPage, error)
}

// Authenticator issues and verifies bearer tokens.
type Authenticator interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server wires the domain services to HTTP handlers. A nil auth
// service disables bearer authentication.
type Server struct {
	negotiator Negotiator
	ledger     Ledger
	auth       Authenticator
	logger     *logrus.Logger
}

func NewServer(negotiator Negotiator, ledgerSvc Ledger, authSvc Authenticator, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		negotiator: negotiator,
		ledger:     ledgerSvc,
		auth:       authSvc,
		logger:     logger,
	}
}

// Routes builds the router. Capability discovery and auth endpoints are
// always public; everything else requires a bearer token when auth is
// configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/api/capabilities", s.handleCapabilities)
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/messages", s.handleSendMessage)
		r.Get("/api/tasks", s.handleListTasks)
		r.Get("/api/tasks/{taskID}", s.handleGetTask)
		r.Post("/api/tasks/{taskID}/cancel", s.handleCancelTask)
		r.Get("/api/tasks/{taskID}/events", s.handleTaskEvents)

		r.Post("/api/payments", s.handleRecordPayment)
		r.Get("/api/agents/{agentID}/credit-score", s.handleCreditScore)
		r.Get("/api/agents/{agentID}/payments", s.handlePaymentHistory)
	})

	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := "req_" + uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": requestIDFrom(r.Context()),
			"duration":   time.Since(start).String(),
		}).Info("request handled")
	})
}

// requireAuth validates the bearer token and stashes the caller's
// identity in the request context. With no authenticator configured
// every request passes through anonymously.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}

		agentID, role, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAgentID, agentID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func agentIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyAgentID).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"requestId": requestIDFrom(r.Context()),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrValidation), errors.Is(err, ledger.ErrValidation):
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, task.ErrUnrecognizedDecision):
		s.writeError(w, r, http.StatusBadRequest, "unrecognized_decision", err.Error())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, ledger.ErrEventNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, task.ErrInvalidTransition):
		s.writeError(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid agent id or secret")
	case errors.Is(err, auth.ErrDuplicateAgentID):
		s.writeError(w, r, http.StatusConflict, "duplicate_agent_id", err.Error())
	case errors.Is(err, auth.ErrWeakSecret):
		s.writeError(w, r, http.StatusBadRequest, "weak_secret", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		s.logger.WithError(err).Error("unhandled gateway error")
		s.writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
	}
}
