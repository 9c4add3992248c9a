package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrDuplicateEvent signals that an event with the same derived id
	// is already on record. Callers treat it as an idempotent replay,
	// not a failure.
	ErrDuplicateEvent = errors.New("ledger: duplicate payment event")
	// ErrEventNotFound signals that no event exists for the given id.
	ErrEventNotFound = errors.New("ledger: payment event not found")
)

// Repository is the append-only event store behind the ledger service.
type Repository interface {
	// Insert appends a new event, returning ErrDuplicateEvent when the
	// id is already stored.
	Insert(ctx context.Context, ev PaymentEvent) error
	// GetByID returns the stored event or ErrEventNotFound.
	GetByID(ctx context.Context, id string) (PaymentEvent, error)
	// ListByAgent returns the agent's matching events newest-first.
	// Ordering is stable: ties on ReportedAt keep insertion order.
	ListByAgent(ctx context.Context, agentID string, filter HistoryFilter) ([]PaymentEvent, error)
}

// MemoryRepository is the default in-process event store.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]int
	events []PaymentEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]int)}
}

func (r *MemoryRepository) Insert(_ context.Context, ev PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[ev.ID]; ok {
		return ErrDuplicateEvent
	}
	r.byID[ev.ID] = len(r.events)
	r.events = append(r.events, ev)
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (PaymentEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byID[id]
	if !ok {
		return PaymentEvent{}, ErrEventNotFound
	}
	return r.events[idx], nil
}

func (r *MemoryRepository) ListByAgent(_ context.Context, agentID string, filter HistoryFilter) ([]PaymentEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]PaymentEvent, 0, 8)
	for _, ev := range r.events {
		if !matchesAgent(ev, agentID, filter.Role) {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		matched = append(matched, ev)
	}

	// Newest first; insertion order breaks ties so paging is stable.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReportedAt.After(matched[j].ReportedAt)
	})
	return matched, nil
}

func matchesAgent(ev PaymentEvent, agentID string, role Role) bool {
	switch role {
	case RolePayer:
		return ev.Payer == agentID
	case RolePayee:
		return ev.Payee == agentID
	default:
		return ev.Payer == agentID || ev.Payee == agentID
	}
}
