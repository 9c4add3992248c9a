package auth

import "time"

type Role string

const (
	// RoleAgent is a counterparty agent negotiating over the protocol.
	RoleAgent Role = "agent"
	// RoleOperator is a human operator who approves pending decisions.
	RoleOperator Role = "operator"
)

// Account is the domain representation of an authenticated principal.
// It carries no JSON annotations so it can be reused by different
// presentation layers.
type Account struct {
	AgentID    string
	Name       string
	SecretHash string
	Role       Role
	CreatedAt  time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Secret  string `json:"secret"`
	Role    Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	AgentID string `json:"agentId"`
	Secret  string `json:"secret"`
}
