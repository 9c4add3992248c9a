package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnparseableReply signals that an oracle reply did not match the
// expected shape. Callers fall back to asking a human instead of
// guessing intent.
var ErrUnparseableReply = errors.New("decision: unparseable oracle reply")

// Request is the full context handed to a provider.
type Request struct {
	Policy             Policy
	CounterpartyID     string
	CounterpartyScore  float64
	CounterpartyIsNew  bool
	RequestedDelayDays int
	Amount             decimal.Decimal
	Currency           string
	Summary            string
}

// Provider produces a decision for a request. The policy engine is the
// default provider; an external oracle may be substituted as long as
// it yields the same typed shape.
type Provider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// PolicyProvider answers straight from Evaluate.
type PolicyProvider struct{}

func (PolicyProvider) Decide(_ context.Context, req Request) (Decision, error) {
	return Evaluate(req.Policy, req.CounterpartyScore, req.RequestedDelayDays, req.Amount), nil
}

// Oracle is an external reasoning collaborator returning a free-text
// reply for a negotiation request.
type Oracle interface {
	Consult(ctx context.Context, req Request) (string, error)
}

// OracleProvider wraps an Oracle behind the strict reply parser. An
// unparseable reply is surfaced as an ask-user decision rather than an
// error so the orchestrator routes it to a human.
type OracleProvider struct {
	oracle Oracle
}

func NewOracleProvider(oracle Oracle) *OracleProvider {
	return &OracleProvider{oracle: oracle}
}

func (p *OracleProvider) Decide(ctx context.Context, req Request) (Decision, error) {
	reply, err := p.oracle.Consult(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("decision: oracle consult: %w", err)
	}

	dec, err := ParseReply(reply)
	if err != nil {
		return Decision{
			Action:                ActionAskUser,
			Reason:                "oracle reply could not be parsed",
			RequiresHumanApproval: true,
		}, nil
	}

	// Approval gating stays with the policy regardless of who decided.
	dec.RequiresHumanApproval = req.Policy.AlwaysRequireApproval ||
		req.CounterpartyScore < req.Policy.AutoApproveThreshold
	if dec.Action == ActionCounterOffer && dec.CounterDelayDays <= 0 {
		dec.CounterDelayDays = req.Policy.MaxAcceptableDelayDays
	}
	return dec, nil
}

type oracleReply struct {
	Decision         string  `json:"decision"`
	CounterDelayDays int     `json:"counter_delay_days"`
	Confidence       float64 `json:"confidence"`
	Rationale        string  `json:"rationale"`
}

// ParseReply turns a free-text oracle reply into a typed decision. It
// accepts a strict JSON object or a bare keyword with an optional day
// count ("counter 14"); anything else is ErrUnparseableReply.
func ParseReply(text string) (Decision, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Decision{}, ErrUnparseableReply
	}

	if strings.HasPrefix(trimmed, "{") {
		var reply oracleReply
		if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrUnparseableReply, err)
		}
		action, ok := actionFromWord(reply.Decision)
		if !ok {
			return Decision{}, fmt.Errorf("%w: unknown decision %q", ErrUnparseableReply, reply.Decision)
		}
		return Decision{
			Action:           action,
			CounterDelayDays: reply.CounterDelayDays,
			Confidence:       reply.Confidence,
			Reason:           reply.Rationale,
		}, nil
	}

	fields := strings.Fields(strings.ToLower(trimmed))
	action, ok := actionFromWord(fields[0])
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown decision %q", ErrUnparseableReply, fields[0])
	}

	dec := Decision{Action: action, Confidence: 1}
	if action == ActionCounterOffer {
		if days, ok := ParseDays(trimmed); ok {
			dec.CounterDelayDays = days
		}
	}
	return dec, nil
}

func actionFromWord(word string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "accept", "approve", "accepted":
		return ActionAccept, true
	case "reject", "deny", "rejected":
		return ActionReject, true
	case "counter", "counter_offer", "counteroffer", "counter-offer":
		return ActionCounterOffer, true
	case "ask_user", "ask-user", "askuser":
		return ActionAskUser, true
	default:
		return "", false
	}
}

var daysPattern = regexp.MustCompile(`(\d+)\s*(?:days?|d)?\b`)

// ParseDays extracts a day count from free-form text ("counter with 14
// days", "21d", "7"). The second return is false when no number is
// present.
func ParseDays(text string) (int, bool) {
	m := daysPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 0, false
	}
	days, err := strconv.Atoi(m[1])
	if err != nil || days < 0 {
		return 0, false
	}
	return days, true
}
