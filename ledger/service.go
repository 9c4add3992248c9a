package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrValidation wraps every malformed-event rejection. Nothing is
// mutated when it is returned.
var ErrValidation = errors.New("ledger: validation failed")

const maxPageSize = 200

// EventParams is a reported payment event before validation.
type EventParams struct {
	Payer       string
	Payee       string
	Amount      decimal.Decimal
	Currency    string
	DueDate     time.Time
	PaymentDate *time.Time
	Status      Status
	Reporter    string
}

// HistoryQuery selects one page of an agent's payment history.
type HistoryQuery struct {
	AgentID  string
	Filter   HistoryFilter
	Page     int
	PageSize int
}

// Service owns all ledger mutations. Event append and the score
// recomputation it implies are atomic with respect to concurrent score
// reads: no reader observes a partially applied event.
type Service struct {
	repo   Repository
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *logrus.Logger) *Service {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EventID derives the deterministic event id from the identifying
// fields of an obligation. Agent ids are lowercased and the amount is
// normalized, so equal obligations always collide.
func EventID(payer, payee string, amount decimal.Decimal, dueDate time.Time) string {
	data := strings.ToLower(payer) + strings.ToLower(payee) + amount.String() + dueDate.UTC().Format(time.RFC3339)
	sum := sha256.Sum256([]byte(data))
	return "evt_" + hex.EncodeToString(sum[:])[:16]
}

// RecordEvent validates and appends a payment event, then recomputes
// both parties' scores. Replays of an already-stored event return the
// existing record with Duplicate set and leave the ledger untouched.
func (s *Service) RecordEvent(ctx context.Context, params EventParams) (RecordResult, error) {
	ev, err := s.buildEvent(params)
	if err != nil {
		return RecordResult{}, err
	}

	if err := s.repo.Insert(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			existing, getErr := s.repo.GetByID(ctx, ev.ID)
			if getErr != nil {
				return RecordResult{}, fmt.Errorf("ledger: load duplicate event %s: %w", ev.ID, getErr)
			}
			s.logger.WithFields(logrus.Fields{
				"event_id": ev.ID,
				"payer":    ev.Payer,
				"payee":    ev.Payee,
			}).Warn("duplicate payment event")
			return s.resultFor(ctx, existing, true)
		}
		return RecordResult{}, fmt.Errorf("ledger: insert event: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"payer":    ev.Payer,
		"payee":    ev.Payee,
		"amount":   ev.Amount.String(),
		"status":   ev.Status,
	}).Info("payment event recorded")

	return s.resultFor(ctx, ev, false)
}

func (s *Service) resultFor(ctx context.Context, ev PaymentEvent, duplicate bool) (RecordResult, error) {
	payerScore, err := s.GetScore(ctx, ev.Payer)
	if err != nil {
		return RecordResult{}, err
	}
	payeeScore, err := s.GetScore(ctx, ev.Payee)
	if err != nil {
		return RecordResult{}, err
	}
	return RecordResult{
		Event:      ev,
		Duplicate:  duplicate,
		PayerScore: payerScore,
		PayeeScore: payeeScore,
	}, nil
}

// GetScore returns the agent's current credit standing. Agents with no
// recorded events get the default score and the new-agent flag; an
// unknown agent is never an error.
func (s *Service) GetScore(ctx context.Context, agentID string) (Score, error) {
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	if agentID == "" {
		return Score{}, fmt.Errorf("%w: agent id required", ErrValidation)
	}

	events, err := s.repo.ListByAgent(ctx, agentID, HistoryFilter{Role: RoleAll})
	if err != nil {
		return Score{}, fmt.Errorf("ledger: list events for %s: %w", agentID, err)
	}

	made, received := 0, 0
	for _, ev := range events {
		if ev.Payer == agentID {
			made++
		}
		if ev.Payee == agentID {
			received++
		}
	}

	return Score{
		AgentID:          agentID,
		Score:            ComputeScore(agentID, events),
		PaymentsMade:     made,
		PaymentsReceived: received,
		IsNew:            len(events) == 0,
		LastUpdated:      s.now().UTC(),
	}, nil
}

// GetHistory returns one newest-first page of the agent's events.
func (s *Service) GetHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	agentID := strings.ToLower(strings.TrimSpace(q.AgentID))
	if agentID == "" {
		return HistoryPage{}, fmt.Errorf("%w: agent id required", ErrValidation)
	}
	if q.Filter.Role == "" {
		q.Filter.Role = RoleAll
	}
	if !isValidRole(q.Filter.Role) {
		return HistoryPage{}, fmt.Errorf("%w: invalid role %q", ErrValidation, q.Filter.Role)
	}
	if q.Filter.Status != "" && !isValidStatus(q.Filter.Status) {
		return HistoryPage{}, fmt.Errorf("%w: invalid status %q", ErrValidation, q.Filter.Status)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 50
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	events, err := s.repo.ListByAgent(ctx, agentID, q.Filter)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("ledger: list events for %s: %w", agentID, err)
	}

	total := len(events)
	totalPages := (total + q.PageSize - 1) / q.PageSize
	start := (q.Page - 1) * q.PageSize
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}

	return HistoryPage{
		AgentID:    agentID,
		TotalCount: total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
		Events:     events[start:end],
	}, nil
}

// GetEvent returns a stored event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (PaymentEvent, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) buildEvent(params EventParams) (PaymentEvent, error) {
	payer := strings.ToLower(strings.TrimSpace(params.Payer))
	payee := strings.ToLower(strings.TrimSpace(params.Payee))
	reporter := strings.ToLower(strings.TrimSpace(params.Reporter))

	if payer == "" || payee == "" {
		return PaymentEvent{}, fmt.Errorf("%w: payer and payee are required", ErrValidation)
	}
	if payer == payee {
		return PaymentEvent{}, fmt.Errorf("%w: payer and payee must be different", ErrValidation)
	}
	if !params.Amount.IsPositive() {
		return PaymentEvent{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if params.DueDate.IsZero() {
		return PaymentEvent{}, fmt.Errorf("%w: due date is required", ErrValidation)
	}
	if !isValidStatus(params.Status) {
		return PaymentEvent{}, fmt.Errorf("%w: invalid status %q", ErrValidation, params.Status)
	}

	switch params.Status {
	case StatusOnTime, StatusLate:
		if params.PaymentDate == nil {
			return PaymentEvent{}, fmt.Errorf("%w: payment date is required when status is %q", ErrValidation, params.Status)
		}
	case StatusDefaulted:
		if params.PaymentDate != nil {
			return PaymentEvent{}, fmt.Errorf("%w: payment date must be absent when status is %q", ErrValidation, StatusDefaulted)
		}
	}

	daysOverdue := 0
	switch params.Status {
	case StatusOnTime:
		if params.PaymentDate.After(params.DueDate) {
			return PaymentEvent{}, fmt.Errorf("%w: payment date must be on or before due date for %q", ErrValidation, StatusOnTime)
		}
	case StatusLate:
		if !params.PaymentDate.After(params.DueDate) {
			return PaymentEvent{}, fmt.Errorf("%w: payment date must be after due date for %q", ErrValidation, StatusLate)
		}
		daysOverdue = int(params.PaymentDate.Sub(params.DueDate).Hours() / 24)
	case StatusDefaulted:
		if overdue := int(s.now().UTC().Sub(params.DueDate).Hours() / 24); overdue > 0 {
			daysOverdue = overdue
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "USD"
	}
	if reporter == "" {
		reporter = payee
	}

	var paymentDate *time.Time
	if params.PaymentDate != nil {
		utc := params.PaymentDate.UTC()
		paymentDate = &utc
	}

	return PaymentEvent{
		ID:          EventID(payer, payee, params.Amount, params.DueDate),
		Payer:       payer,
		Payee:       payee,
		Amount:      params.Amount,
		Currency:    currency,
		DueDate:     params.DueDate.UTC(),
		PaymentDate: paymentDate,
		Status:      params.Status,
		DaysOverdue: daysOverdue,
		Reporter:    reporter,
		ReportedAt:  s.now().UTC(),
	}, nil
}
