package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the in-memory task registry. It hands out snapshot copies;
// all mutation goes through the orchestrator while the task's keyed
// lock is held.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	byContext map[string]string // context id -> latest task id
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		tasks:     make(map[string]*Task),
		byContext: make(map[string]string),
		now:       time.Now,
	}
}

// Create registers a new task in the submitted state and makes it the
// context's latest task.
func (s *Store) Create(contextID string, req Request) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		State:     StateSubmitted,
		Request:   req,
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.byContext[contextID] = t.ID
	return t.clone()
}

// Get returns a snapshot of the task or ErrNotFound.
func (s *Store) Get(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.clone(), nil
}

// LatestForContext returns the most recent task for a context id.
func (s *Store) LatestForContext(contextID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byContext[contextID]
	if !ok {
		return Task{}, false
	}
	return s.tasks[id].clone(), true
}

// ListByState returns snapshots of every task in the given state.
func (s *Store) ListByState(state State) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, t.clone())
		}
	}
	return out
}

// AppendMessage adds to the task's append-only history, ordered by
// arrival.
func (s *Store) AppendMessage(id string, role Role, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: s.now().UTC(),
	}
	t.History = append(t.History, msg)
	t.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// SetState applies a validated transition, returning the updated
// snapshot. Illegal edges leave the task unchanged.
func (s *Store) SetState(id string, to State) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if !validTransition(t.State, to) {
		return Task{}, ErrInvalidTransition
	}
	t.State = to
	t.UpdatedAt = s.now().UTC()
	return t.clone(), nil
}

// SetMetadata writes one metadata key, last-write-wins.
func (s *Store) SetMetadata(id string, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Metadata[key] = value
	t.UpdatedAt = s.now().UTC()
	return nil
}

// keyedMutex serializes operations per task id so each task is
// advanced by exactly one in-flight operation at a time.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
