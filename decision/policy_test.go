package decision

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEvaluate_Table(t *testing.T) {
	amount := decimal.NewFromInt(500)

	cases := []struct {
		name       string
		policy     Policy
		score      float64
		delayDays  int
		wantAction Action
		wantDays   int
	}{
		{
			name:       "high score short delay accepts",
			policy:     Policy{MinScoreForDelay: 90, MaxAcceptableDelayDays: 7, AutoApproveThreshold: 80},
			score:      95,
			delayDays:  5,
			wantAction: ActionAccept,
		},
		{
			name:       "score below threshold rejects",
			policy:     Policy{MinScoreForDelay: 90, MaxAcceptableDelayDays: 7, AutoApproveThreshold: 80},
			score:      85,
			delayDays:  5,
			wantAction: ActionReject,
		},
		{
			name:       "excessive delay counters with policy max",
			policy:     Policy{MinScoreForDelay: 70, MaxAcceptableDelayDays: 30, AutoApproveThreshold: 80},
			score:      95,
			delayDays:  45,
			wantAction: ActionCounterOffer,
			wantDays:   30,
		},
		{
			name:       "delay at exactly max accepts",
			policy:     Policy{MinScoreForDelay: 70, MaxAcceptableDelayDays: 30, AutoApproveThreshold: 80},
			score:      90,
			delayDays:  30,
			wantAction: ActionAccept,
		},
		{
			name:       "reject wins over counter when both apply",
			policy:     Policy{MinScoreForDelay: 90, MaxAcceptableDelayDays: 7, AutoApproveThreshold: 80},
			score:      50,
			delayDays:  45,
			wantAction: ActionReject,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.policy, tc.score, tc.delayDays, amount)
			if got.Action != tc.wantAction {
				t.Fatalf("expected %s, got %s (%s)", tc.wantAction, got.Action, got.Reason)
			}
			if got.CounterDelayDays != tc.wantDays {
				t.Fatalf("expected counter days %d, got %d", tc.wantDays, got.CounterDelayDays)
			}
		})
	}
}

func TestEvaluate_HumanApprovalGating(t *testing.T) {
	amount := decimal.NewFromInt(100)
	policy := Policy{MinScoreForDelay: 70, MaxAcceptableDelayDays: 30, AutoApproveThreshold: 80}

	if dec := Evaluate(policy, 70, 14, amount); !dec.RequiresHumanApproval {
		t.Fatal("score below auto-approve threshold must require approval")
	}
	if dec := Evaluate(policy, 85, 14, amount); dec.RequiresHumanApproval {
		t.Fatal("score above auto-approve threshold must not require approval")
	}

	policy.AlwaysRequireApproval = true
	if dec := Evaluate(policy, 99, 1, amount); !dec.RequiresHumanApproval {
		t.Fatal("always-require flag ignored")
	}
}
