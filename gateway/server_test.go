package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"credflow/auth"
	"credflow/ledger"
	"credflow/task"
)

type stubNegotiator struct {
	processTask   task.Task
	processParams task.SendParams
	processErr    error
	cancelTask    task.Task
	cancelErr     error
	getTask       task.Task
	getHistoryLen int
	getErr        error
	pending       []task.Task
	updates       []task.StatusUpdate
	subscribeErr  error
}

func (s *stubNegotiator) Process(_ context.Context, p task.SendParams) (task.Task, error) {
	s.processParams = p
	return s.processTask, s.processErr
}

func (s *stubNegotiator) Cancel(_ context.Context, _ string) (task.Task, error) {
	return s.cancelTask, s.cancelErr
}

func (s *stubNegotiator) GetTask(_ string, historyLength int) (task.Task, error) {
	s.getHistoryLen = historyLength
	return s.getTask, s.getErr
}

func (s *stubNegotiator) ListPendingApproval() []task.Task {
	return s.pending
}

func (s *stubNegotiator) Subscribe(_ string) (<-chan task.StatusUpdate, func(), error) {
	if s.subscribeErr != nil {
		return nil, nil, s.subscribeErr
	}
	ch := make(chan task.StatusUpdate, len(s.updates))
	for _, u := range s.updates {
		ch <- u
	}
	close(ch)
	return ch, func() {}, nil
}

type stubLedger struct {
	recordResult ledger.RecordResult
	recordParams ledger.EventParams
	recordErr    error
	score        ledger.Score
	scoreErr     error
	history      ledger.HistoryPage
	historyQuery ledger.HistoryQuery
	historyErr   error
}

func (s *stubLedger) RecordEvent(_ context.Context, params ledger.EventParams) (ledger.RecordResult, error) {
	s.recordParams = params
	return s.recordResult, s.recordErr
}

func (s *stubLedger) GetScore(_ context.Context, agentID string) (ledger.Score, error) {
	if s.scoreErr != nil {
		return ledger.Score{}, s.scoreErr
	}
	score := s.score
	score.AgentID = agentID
	return score, nil
}

func (s *stubLedger) GetHistory(_ context.Context, q ledger.HistoryQuery) (ledger.HistoryPage, error) {
	s.historyQuery = q
	return s.history, s.historyErr
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleTask() task.Task {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return task.Task{
		ID:        "t1",
		ContextID: "ctx-1",
		State:     task.StateCompleted,
		Request: task.Request{
			CounterpartyID:     "0xalice",
			Amount:             decimal.NewFromInt(150),
			Currency:           "USD",
			RequestedDelayDays: 14,
			Summary:            "requesting 14 days",
		},
		History: []task.Message{
			{ID: "m1", Role: task.RoleUser, Text: "requesting 14 days", CreatedAt: now},
		},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestHandleSendMessage_Success(t *testing.T) {
	neg := &stubNegotiator{processTask: sampleTask()}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	body := strings.NewReader(`{"counterpartyId":"0xAlice","text":"requesting 14 days","amount":"150","requestedDelayDays":14,"blocking":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "t1" || resp.State != "completed" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.Request.Amount != "150" {
		t.Fatalf("amount not rendered: %+v", resp.Request)
	}

	if !neg.processParams.Blocking || neg.processParams.RequestedDelayDays != 14 {
		t.Fatalf("params not forwarded: %+v", neg.processParams)
	}
	if neg.processParams.Amount.String() != "150" {
		t.Fatalf("amount not parsed: %s", neg.processParams.Amount)
	}
}

func TestHandleSendMessage_BadAmount(t *testing.T) {
	server := NewServer(&stubNegotiator{}, &stubLedger{}, nil, quietLogger())

	body := strings.NewReader(`{"counterpartyId":"0xalice","text":"hello","amount":"not-a-number"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSendMessage_ValidationError(t *testing.T) {
	neg := &stubNegotiator{processErr: task.ErrValidation}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	body := strings.NewReader(`{"counterpartyId":"0xalice","text":""}`)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSendMessage_UnrecognizedDecision(t *testing.T) {
	neg := &stubNegotiator{processErr: task.ErrUnrecognizedDecision}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	body := strings.NewReader(`{"taskId":"t1","text":"maybe later"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if payload.Error.Code != "unrecognized_decision" {
		t.Fatalf("unexpected error code %q", payload.Error.Code)
	}
}

func TestHandleGetTask_NotFound(t *testing.T) {
	neg := &stubNegotiator{getErr: task.ErrNotFound}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetTask_HistoryLength(t *testing.T) {
	neg := &stubNegotiator{getTask: sampleTask()}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1?historyLength=3", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if neg.getHistoryLen != 3 {
		t.Fatalf("historyLength not forwarded, got %d", neg.getHistoryLen)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1?historyLength=-2", nil)
	rec = httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative historyLength, got %d", rec.Code)
	}
}

func TestHandleCancelTask_Conflict(t *testing.T) {
	neg := &stubNegotiator{cancelErr: task.ErrInvalidTransition}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/cancel", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleListTasks(t *testing.T) {
	neg := &stubNegotiator{pending: []task.Task{sampleTask()}}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks?state=input-required", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []taskResponse `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Total != 1 || payload.Items[0].ID != "t1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks?state=working", nil)
	rec = httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported state, got %d", rec.Code)
	}
}

func TestHandleTaskEvents_StreamsUntilFinal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	neg := &stubNegotiator{
		updates: []task.StatusUpdate{
			{TaskID: "t1", State: task.StateWorking, Timestamp: now},
			{TaskID: "t1", State: task.StateCompleted, Final: true, Timestamp: now},
		},
	}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1/events", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 events, got %d: %q", len(frames), rec.Body.String())
	}
	var last statusUpdateResponse
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &last); err != nil {
		t.Fatalf("decode final event: %v", err)
	}
	if !last.Final || last.State != "completed" {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestHandleTaskEvents_TerminalTaskConflict(t *testing.T) {
	neg := &stubNegotiator{subscribeErr: task.ErrInvalidTransition}
	server := NewServer(neg, &stubLedger{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/t1/events", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRecordPayment_Created(t *testing.T) {
	due := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	led := &stubLedger{
		recordResult: ledger.RecordResult{
			Event: ledger.PaymentEvent{
				ID:     "evt_abc",
				Payer:  "0xalice",
				Payee:  "0xbob",
				Amount: decimal.NewFromInt(150),
				Status: ledger.StatusOnTime,
			},
			PayerScore: ledger.Score{AgentID: "0xalice", Score: 70.5},
			PayeeScore: ledger.Score{AgentID: "0xbob", Score: 70},
		},
	}
	server := NewServer(&stubNegotiator{}, led, nil, quietLogger())

	body := strings.NewReader(`{"payer":"0xalice","payee":"0xbob","amount":"150","dueDate":"2026-02-01T00:00:00Z","paymentDate":"2026-01-30T00:00:00Z","status":"on_time"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp recordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Event.ID != "evt_abc" || resp.PayerScore.CreditScore != 70.5 {
		t.Fatalf("unexpected payload: %+v", resp)
	}

	if !led.recordParams.DueDate.Equal(due) {
		t.Fatalf("dueDate not forwarded: %v", led.recordParams.DueDate)
	}
	if led.recordParams.PaymentDate == nil {
		t.Fatal("paymentDate not forwarded")
	}
}

func TestHandleRecordPayment_DuplicateReturns200(t *testing.T) {
	led := &stubLedger{
		recordResult: ledger.RecordResult{
			Event:     ledger.PaymentEvent{ID: "evt_abc"},
			Duplicate: true,
		},
	}
	server := NewServer(&stubNegotiator{}, led, nil, quietLogger())

	body := strings.NewReader(`{"payer":"0xalice","payee":"0xbob","amount":"150","dueDate":"2026-02-01T00:00:00Z","status":"defaulted"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	var resp recordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Duplicate {
		t.Fatal("duplicate flag not set")
	}
}

func TestHandleRecordPayment_ValidationError(t *testing.T) {
	led := &stubLedger{recordErr: ledger.ErrValidation}
	server := NewServer(&stubNegotiator{}, led, nil, quietLogger())

	body := strings.NewReader(`{"payer":"0xalice","payee":"0xalice","amount":"150","dueDate":"2026-02-01T00:00:00Z","status":"defaulted"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments", body)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreditScore(t *testing.T) {
	led := &stubLedger{score: ledger.Score{Score: 82.5, PaymentsMade: 25, IsNew: false}}
	server := NewServer(&stubNegotiator{}, led, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/agents/0xalice/credit-score", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp scoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AgentID != "0xalice" || resp.CreditScore != 82.5 || resp.PaymentsMade != 25 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandlePaymentHistory_QueryForwarding(t *testing.T) {
	led := &stubLedger{
		history: ledger.HistoryPage{AgentID: "0xalice", TotalCount: 0, Page: 2, PageSize: 10},
	}
	server := NewServer(&stubNegotiator{}, led, nil, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/agents/0xalice/payments?role=payer&status=late&page=2&pageSize=10", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	q := led.historyQuery
	if q.AgentID != "0xalice" || q.Filter.Role != ledger.RolePayer || q.Filter.Status != ledger.StatusLate {
		t.Fatalf("filter not forwarded: %+v", q)
	}
	if q.Page != 2 || q.PageSize != 10 {
		t.Fatalf("pagination not forwarded: %+v", q)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/agents/0xalice/payments?page=zero", nil)
	rec = httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	// Health stays public even with auth configured.
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret")
	server := NewServer(&stubNegotiator{}, &stubLedger{}, authSvc, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
}

func TestAuthGating(t *testing.T) {
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret")
	server := NewServer(&stubNegotiator{getTask: sampleTask()}, &stubLedger{}, authSvc, quietLogger())
	router := server.Routes()

	// Capabilities stay public.
	req := httptest.NewRequest(http.MethodGet, "/api/capabilities", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("capabilities gated: %d", rec.Code)
	}

	// Protected route without a token.
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Register, login, and retry with the issued token.
	body := strings.NewReader(`{"agentId":"0xalice","secret":"strongsecret"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d: %s", rec.Code, rec.Body.String())
	}

	body = strings.NewReader(`{"agentId":"0xalice","secret":"strongsecret"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d: %s", rec.Code, rec.Body.String())
	}
	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/t1", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestAuthGating_DuplicateRegister(t *testing.T) {
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret")
	server := NewServer(&stubNegotiator{}, &stubLedger{}, authSvc, quietLogger())
	router := server.Routes()

	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		body := strings.NewReader(`{"agentId":"0xalice","secret":"strongsecret"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("register attempt %d: expected %d, got %d", i+1, want, rec.Code)
		}
	}
}
