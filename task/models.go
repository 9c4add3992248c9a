// Package task owns the negotiation task lifecycle: creation, state
// transitions, message history, blocking completion semantics, and
// status fan-out.
package task

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"credflow/decision"
)

// State is a negotiation task's lifecycle position.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StateRejected      State = "rejected"
)

// Terminal reports whether the state never re-opens.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound signals an unknown task id.
	ErrNotFound = errors.New("task: not found")
	// ErrInvalidTransition signals an operation illegal in the task's
	// current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("task: invalid state transition")
	// ErrUnrecognizedDecision signals a human reply that matched none of
	// approve/reject/counter. The task stays input-required.
	ErrUnrecognizedDecision = errors.New("task: unrecognized human decision")
)

var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateCancelled, StateFailed},
	StateWorking:       {StateInputRequired, StateCompleted, StateFailed, StateCancelled, StateRejected},
	StateInputRequired: {StateWorking, StateCompleted, StateFailed, StateCancelled, StateRejected},
}

func validTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role identifies who authored a history message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry in a task's append-only history.
type Message struct {
	ID        string
	Role      Role
	Text      string
	CreatedAt time.Time
}

// Request is the structured payment-terms request a task negotiates.
type Request struct {
	CounterpartyID     string
	Amount             decimal.Decimal
	Currency           string
	RequestedDelayDays int
	Summary            string
}

// ApprovalPrompt is attached to a task entering input-required so a
// human sees the request, the counterparty's standing, and the legal
// next actions.
type ApprovalPrompt struct {
	Summary           string
	CounterpartyID    string
	CounterpartyScore float64
	CounterpartyIsNew bool
	Recommendation    decision.Decision
	NextActions       []string
	Note              string
}

// Task is one negotiation's full state. Mutated only by the
// Orchestrator; terminal states never re-open.
type Task struct {
	ID        string
	ContextID string
	State     State
	Request   Request
	History   []Message
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decision returns the recorded decision payload, if any.
func (t *Task) Decision() (decision.Decision, bool) {
	dec, ok := t.Metadata[MetaDecision].(decision.Decision)
	return dec, ok
}

// Metadata keys written by the orchestrator. Writes are last-write-wins
// per key.
const (
	MetaDecision       = "decision"
	MetaApprovalPrompt = "approval_prompt"
	MetaFailureReason  = "failure_reason"
	MetaHumanDecision  = "human_decision"
	MetaPaymentReceipt = "payment_receipt"
	MetaPaymentError   = "payment_error"
)

// StatusUpdate is one status-change notification. Final marks the
// single terminal event that closes the subscription.
type StatusUpdate struct {
	TaskID    string
	ContextID string
	State     State
	Final     bool
	Reason    string
	Timestamp time.Time
}

func (t *Task) clone() Task {
	cp := *t
	cp.History = append([]Message(nil), t.History...)
	cp.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}
