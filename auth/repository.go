package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAccountNotFound signals that the agent id is not registered.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateAgentID signals that the agent id is already registered.
	ErrDuplicateAgentID = errors.New("auth: agent id already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccount(ctx context.Context, agentID string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	AgentID    string
	Name       string
	SecretHash string
	Role       Role
}

// MemoryRepository implements Repository in process memory. Agent ids
// are matched case-insensitively, the same normalization the ledger
// applies.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
	now      func() time.Time
}

// NewMemoryRepository creates an empty in-memory auth repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]Account),
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(params.AgentID)
	if _, ok := r.accounts[key]; ok {
		return Account{}, ErrDuplicateAgentID
	}
	account := Account{
		AgentID:    key,
		Name:       params.Name,
		SecretHash: params.SecretHash,
		Role:       params.Role,
		CreatedAt:  r.now().UTC(),
	}
	r.accounts[key] = account
	return account, nil
}

func (r *MemoryRepository) GetAccount(_ context.Context, agentID string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[strings.ToLower(agentID)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
