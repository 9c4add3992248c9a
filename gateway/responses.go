package gateway

import (
	"time"

	"credflow/decision"
	"credflow/ledger"
	"credflow/task"
)

type messageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type decisionResponse struct {
	Action           string  `json:"action"`
	CounterDelayDays int     `json:"counterDelayDays,omitempty"`
	Reason           string  `json:"reason"`
	Confidence       float64 `json:"confidence"`
}

type approvalPromptResponse struct {
	Summary           string           `json:"summary"`
	CounterpartyID    string           `json:"counterpartyId"`
	CounterpartyScore float64          `json:"counterpartyScore"`
	CounterpartyIsNew bool             `json:"counterpartyIsNew"`
	Recommendation    decisionResponse `json:"recommendation"`
	NextActions       []string         `json:"nextActions"`
	Note              string           `json:"note,omitempty"`
}

type taskResponse struct {
	ID        string            `json:"id"`
	ContextID string            `json:"contextId"`
	State     string            `json:"state"`
	Request   taskRequestBody   `json:"request"`
	History   []messageResponse `json:"history"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
}

type taskRequestBody struct {
	CounterpartyID     string `json:"counterpartyId"`
	Amount             string `json:"amount,omitempty"`
	Currency           string `json:"currency"`
	RequestedDelayDays int    `json:"requestedDelayDays"`
	Summary            string `json:"summary"`
}

type statusUpdateResponse struct {
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId"`
	State     string `json:"state"`
	Final     bool   `json:"final"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

type scoreResponse struct {
	AgentID          string  `json:"agentId"`
	CreditScore      float64 `json:"creditScore"`
	PaymentsMade     int     `json:"paymentsMade"`
	PaymentsReceived int     `json:"paymentsReceived"`
	IsNewAgent       bool    `json:"isNewAgent"`
	LastUpdated      string  `json:"lastUpdated"`
}

type eventResponse struct {
	ID          string  `json:"id"`
	Payer       string  `json:"payer"`
	Payee       string  `json:"payee"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	DueDate     string  `json:"dueDate"`
	PaymentDate *string `json:"paymentDate,omitempty"`
	Status      string  `json:"status"`
	DaysOverdue int     `json:"daysOverdue"`
	Reporter    string  `json:"reporter"`
	ReportedAt  string  `json:"reportedAt"`
}

type historyResponse struct {
	AgentID    string          `json:"agentId"`
	TotalCount int             `json:"totalCount"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	TotalPages int             `json:"totalPages"`
	Events     []eventResponse `json:"events"`
}

type recordResponse struct {
	Event      eventResponse `json:"event"`
	Duplicate  bool          `json:"duplicate"`
	PayerScore scoreResponse `json:"payerScore"`
	PayeeScore scoreResponse `json:"payeeScore"`
}

func toDecisionResponse(d decision.Decision) decisionResponse {
	return decisionResponse{
		Action:           string(d.Action),
		CounterDelayDays: d.CounterDelayDays,
		Reason:           d.Reason,
		Confidence:       d.Confidence,
	}
}

func toTaskResponse(t task.Task) taskResponse {
	history := make([]messageResponse, 0, len(t.History))
	for _, m := range t.History {
		history = append(history, messageResponse{
			ID:        m.ID,
			Role:      string(m.Role),
			Text:      m.Text,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}

	amount := ""
	if !t.Request.Amount.IsZero() {
		amount = t.Request.Amount.String()
	}

	return taskResponse{
		ID:        t.ID,
		ContextID: t.ContextID,
		State:     string(t.State),
		Request: taskRequestBody{
			CounterpartyID:     t.Request.CounterpartyID,
			Amount:             amount,
			Currency:           t.Request.Currency,
			RequestedDelayDays: t.Request.RequestedDelayDays,
			Summary:            t.Request.Summary,
		},
		History:   history,
		Metadata:  toMetadataResponse(t.Metadata),
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
}

// toMetadataResponse converts the orchestrator's typed metadata values
// into JSON-friendly shapes. Unknown keys pass through untouched.
func toMetadataResponse(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case decision.Decision:
			out[k] = toDecisionResponse(val)
		case task.ApprovalPrompt:
			out[k] = approvalPromptResponse{
				Summary:           val.Summary,
				CounterpartyID:    val.CounterpartyID,
				CounterpartyScore: val.CounterpartyScore,
				CounterpartyIsNew: val.CounterpartyIsNew,
				Recommendation:    toDecisionResponse(val.Recommendation),
				NextActions:       val.NextActions,
				Note:              val.Note,
			}
		case task.Receipt:
			out[k] = map[string]any{
				"reference": val.Reference,
				"settledAt": val.SettledAt.Format(time.RFC3339),
			}
		default:
			out[k] = v
		}
	}
	return out
}

func toStatusUpdateResponse(u task.StatusUpdate) statusUpdateResponse {
	return statusUpdateResponse{
		TaskID:    u.TaskID,
		ContextID: u.ContextID,
		State:     string(u.State),
		Final:     u.Final,
		Reason:    u.Reason,
		Timestamp: u.Timestamp.Format(time.RFC3339),
	}
}

func toScoreResponse(s ledger.Score) scoreResponse {
	return scoreResponse{
		AgentID:          s.AgentID,
		CreditScore:      s.Score,
		PaymentsMade:     s.PaymentsMade,
		PaymentsReceived: s.PaymentsReceived,
		IsNewAgent:       s.IsNew,
		LastUpdated:      s.LastUpdated.Format(time.RFC3339),
	}
}

func toEventResponse(ev ledger.PaymentEvent) eventResponse {
	var paymentDate *string
	if ev.PaymentDate != nil {
		formatted := ev.PaymentDate.Format(time.RFC3339)
		paymentDate = &formatted
	}
	return eventResponse{
		ID:          ev.ID,
		Payer:       ev.Payer,
		Payee:       ev.Payee,
		Amount:      ev.Amount.String(),
		Currency:    ev.Currency,
		DueDate:     ev.DueDate.Format(time.RFC3339),
		PaymentDate: paymentDate,
		Status:      string(ev.Status),
		DaysOverdue: ev.DaysOverdue,
		Reporter:    ev.Reporter,
		ReportedAt:  ev.ReportedAt.Format(time.RFC3339),
	}
}

func toHistoryResponse(page ledger.HistoryPage) historyResponse {
	events := make([]eventResponse, 0, len(page.Events))
	for _, ev := range page.Events {
		events = append(events, toEventResponse(ev))
	}
	return historyResponse{
		AgentID:    page.AgentID,
		TotalCount: page.TotalCount,
		Page:       page.Page,
		PageSize:   page.PageSize,
		TotalPages: page.TotalPages,
		Events:     events,
	}
}

func toRecordResponse(res ledger.RecordResult) recordResponse {
	return recordResponse{
		Event:      toEventResponse(res.Event),
		Duplicate:  res.Duplicate,
		PayerScore: toScoreResponse(res.PayerScore),
		PayeeScore: toScoreResponse(res.PayeeScore),
	}
}
