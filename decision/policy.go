// Package decision holds the negotiation decision engine: a pure
// policy function mapping a counterparty's credit score and requested
// delay onto accept/reject/counter recommendations.
package decision

import "github.com/shopspring/decimal"

// Action is the recommended response to a payment-terms request.
type Action string

const (
	ActionAccept       Action = "ACCEPT"
	ActionReject       Action = "REJECT"
	ActionCounterOffer Action = "COUNTER_OFFER"
	// ActionAskUser is produced only by provider fallbacks (an oracle
	// reply that could not be parsed), never by Evaluate.
	ActionAskUser Action = "ASK_USER"
)

// RiskClass labels an agent's configured risk posture.
type RiskClass string

const (
	RiskConservative RiskClass = "conservative"
	RiskBalanced     RiskClass = "balanced"
	RiskAggressive   RiskClass = "aggressive"
)

// Policy is the immutable per-agent risk configuration.
type Policy struct {
	RiskClass              RiskClass
	MinScoreForDelay       float64
	MaxAcceptableDelayDays int
	AutoApproveThreshold   float64
	AlwaysRequireApproval  bool
}

// DefaultPolicy is a balanced posture used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		RiskClass:              RiskBalanced,
		MinScoreForDelay:       70,
		MaxAcceptableDelayDays: 30,
		AutoApproveThreshold:   80,
	}
}

// Decision is the engine's recommendation for one request.
type Decision struct {
	Action                Action
	CounterDelayDays      int
	Reason                string
	Confidence            float64
	RequiresHumanApproval bool
}

// Evaluate maps (policy, counterparty score, requested delay, amount)
// to a recommendation. It is total and performs no I/O.
func Evaluate(policy Policy, counterpartyScore float64, requestedDelayDays int, amount decimal.Decimal) Decision {
	requiresApproval := policy.AlwaysRequireApproval || counterpartyScore < policy.AutoApproveThreshold

	if counterpartyScore < policy.MinScoreForDelay {
		return Decision{
			Action:                ActionReject,
			Reason:                "counterparty score below minimum threshold",
			Confidence:            1,
			RequiresHumanApproval: requiresApproval,
		}
	}

	if requestedDelayDays > policy.MaxAcceptableDelayDays {
		return Decision{
			Action:                ActionCounterOffer,
			CounterDelayDays:      policy.MaxAcceptableDelayDays,
			Reason:                "requested delay exceeds acceptable maximum",
			Confidence:            1,
			RequiresHumanApproval: requiresApproval,
		}
	}

	return Decision{
		Action:                ActionAccept,
		Reason:                "score and requested delay within policy",
		Confidence:            1,
		RequiresHumanApproval: requiresApproval,
	}
}
