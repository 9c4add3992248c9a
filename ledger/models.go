package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status classifies how a payment obligation was settled.
type Status string

const (
	StatusOnTime    Status = "on_time"
	StatusLate      Status = "late"
	StatusDefaulted Status = "defaulted"
)

// Role filters history queries by the side the agent took in an event.
type Role string

const (
	RoleAll   Role = "all"
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// PaymentEvent is one immutable, reported payment outcome between two
// agents. The ID is derived from (payer, payee, amount, due date) so a
// re-report of the same obligation maps to the same event.
// It carries no JSON annotations so it can be reused by different
// presentation layers.
type PaymentEvent struct {
	ID          string
	Payer       string
	Payee       string
	Amount      decimal.Decimal
	Currency    string
	DueDate     time.Time
	PaymentDate *time.Time
	Status      Status
	DaysOverdue int
	Reporter    string
	ReportedAt  time.Time
}

// Score is the derived trust view of a single agent.
type Score struct {
	AgentID          string
	Score            float64
	PaymentsMade     int
	PaymentsReceived int
	IsNew            bool
	LastUpdated      time.Time
}

// HistoryFilter narrows a history query. Zero values mean "no filter".
type HistoryFilter struct {
	Role   Role
	Status Status
}

// HistoryPage is one newest-first page of an agent's payment history.
type HistoryPage struct {
	AgentID    string
	TotalCount int
	Page       int
	PageSize   int
	TotalPages int
	Events     []PaymentEvent
}

// RecordResult bundles the stored event with both parties' recomputed
// scores. Duplicate is set when the event id was already on record and
// the stored event is returned unchanged.
type RecordResult struct {
	Event      PaymentEvent
	Duplicate  bool
	PayerScore Score
	PayeeScore Score
}

func isValidStatus(s Status) bool {
	switch s {
	case StatusOnTime, StatusLate, StatusDefaulted:
		return true
	default:
		return false
	}
}

func isValidRole(r Role) bool {
	switch r {
	case RoleAll, RolePayer, RolePayee:
		return true
	default:
		return false
	}
}
