package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"credflow/auth"
	"credflow/ledger"
	"credflow/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCapabilities serves the public agent card used for discovery.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":        "credflow",
		"description": "Autonomous payment-terms negotiation with ledger-backed credit scoring",
		"capabilities": map[string]any{
			"streaming":    true,
			"blockingSend": true,
		},
		"skills": []map[string]any{
			{
				"id":          "negotiate-payment-terms",
				"name":        "Negotiate payment terms",
				"description": "Evaluates payment delay requests against the counterparty's credit history and accepts, rejects, or counter-offers",
				"tags":        []string{"payments", "negotiation", "credit"},
			},
			{
				"id":          "report-payment",
				"name":        "Report payment outcome",
				"description": "Records on-time, late, and defaulted payment events into the shared ledger",
				"tags":        []string{"payments", "ledger"},
			},
		},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.writeError(w, r, http.StatusNotImplemented, "auth_disabled", "authentication is not configured")
		return
	}

	var req auth.RegisterRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	account, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"agentId":   account.AgentID,
		"name":      account.Name,
		"role":      account.Role,
		"createdAt": account.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.writeError(w, r, http.StatusNotImplemented, "auth_disabled", "authentication is not configured")
		return
	}

	var req auth.LoginRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":   result.Token,
		"agentId": result.Account.AgentID,
		"role":    result.Account.Role,
	})
}

type sendMessageRequest struct {
	ContextID          string `json:"contextId"`
	TaskID             string `json:"taskId"`
	CounterpartyID     string `json:"counterpartyId"`
	Text               string `json:"text"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	RequestedDelayDays int    `json:"requestedDelayDays"`
	Blocking           bool   `json:"blocking"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	var amount decimal.Decimal
	if strings.TrimSpace(req.Amount) != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", fmt.Sprintf("invalid amount %q", req.Amount))
			return
		}
		amount = parsed
	}

	counterparty := req.CounterpartyID
	if counterparty == "" {
		// An authenticated agent negotiates on its own behalf.
		counterparty = agentIDFrom(r.Context())
	}

	t, err := s.negotiator.Process(r.Context(), task.SendParams{
		ContextID:          req.ContextID,
		TaskID:             req.TaskID,
		CounterpartyID:     counterparty,
		Text:               req.Text,
		Amount:             amount,
		Currency:           req.Currency,
		RequestedDelayDays: req.RequestedDelayDays,
		Blocking:           req.Blocking,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(task.StateInputRequired)
	}
	if state != string(task.StateInputRequired) {
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", "only state=input-required is supported")
		return
	}

	tasks := s.negotiator.ListPendingApproval()
	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskResponse(t))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	historyLength := -1
	if raw := r.URL.Query().Get("historyLength"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", "historyLength must be a non-negative integer")
			return
		}
		historyLength = n
	}

	t, err := s.negotiator.GetTask(chi.URLParam(r, "taskID"), historyLength)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.negotiator.Cancel(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// handleTaskEvents streams task status updates as server-sent events
// until the terminal update or client disconnect.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	updates, cancel, err := s.negotiator.Subscribe(taskID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case update, open := <-updates:
			if !open {
				return
			}
			payload, err := encodeSSE(toStatusUpdateResponse(update))
			if err != nil {
				s.logger.WithError(err).Error("encode status update")
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			flusher.Flush()
			if update.Final {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type recordPaymentRequest struct {
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	DueDate     string `json:"dueDate"`
	PaymentDate string `json:"paymentDate"`
	Status      string `json:"status"`
	Reporter    string `json:"reporter"`
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", fmt.Sprintf("invalid amount %q", req.Amount))
		return
	}

	dueDate, err := time.Parse(time.RFC3339, req.DueDate)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", fmt.Sprintf("invalid dueDate %q", req.DueDate))
		return
	}

	var paymentDate *time.Time
	if strings.TrimSpace(req.PaymentDate) != "" {
		parsed, err := time.Parse(time.RFC3339, req.PaymentDate)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", fmt.Sprintf("invalid paymentDate %q", req.PaymentDate))
			return
		}
		paymentDate = &parsed
	}

	reporter := req.Reporter
	if reporter == "" {
		reporter = agentIDFrom(r.Context())
	}

	result, err := s.ledger.RecordEvent(r.Context(), ledger.EventParams{
		Payer:       req.Payer,
		Payee:       req.Payee,
		Amount:      amount,
		Currency:    req.Currency,
		DueDate:     dueDate,
		PaymentDate: paymentDate,
		Status:      ledger.Status(req.Status),
		Reporter:    reporter,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		// A replay is acknowledged, not re-created.
		status = http.StatusOK
	}
	s.writeJSON(w, status, toRecordResponse(result))
}

func (s *Server) handleCreditScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.ledger.GetScore(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toScoreResponse(score))
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	q := ledger.HistoryQuery{
		AgentID: chi.URLParam(r, "agentID"),
		Filter: ledger.HistoryFilter{
			Role:   ledger.Role(r.URL.Query().Get("role")),
			Status: ledger.Status(r.URL.Query().Get("status")),
		},
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", "page must be a positive integer")
			return
		}
		q.Page = n
	}
	if raw := r.URL.Query().Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, http.StatusBadRequest, "validation_failed", "pageSize must be a positive integer")
			return
		}
		q.PageSize = n
	}

	page, err := s.ledger.GetHistory(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toHistoryResponse(page))
}
