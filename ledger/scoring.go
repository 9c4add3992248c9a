package ledger

// Scoring algorithm v1.0. Scores are recomputed from the full payer
// history on every read rather than maintained incrementally, so the
// stored events are the single source of truth and the score can never
// drift from them.
const (
	DefaultScore = 70.0
	MinScore     = 0.0
	MaxScore     = 100.0

	onTimeBonus         = 0.5
	maxOnTimeBonus      = 30.0
	lateUpTo7Penalty    = 2.0
	lateUpTo30Penalty   = 5.0
	lateOver30Penalty   = 10.0
	defaultedPenalty    = 15.0
	shortLateThreshold  = 7
	mediumLateThreshold = 30
)

// ComputeScore derives the credit score for agentID from its payment
// history. Only events where the agent is the payer move the score;
// being paid late by others never lowers the payee's standing.
func ComputeScore(agentID string, events []PaymentEvent) float64 {
	score := DefaultScore
	onTime := 0

	for _, ev := range events {
		if ev.Payer != agentID {
			continue
		}
		switch ev.Status {
		case StatusOnTime:
			onTime++
		case StatusLate:
			switch {
			case ev.DaysOverdue <= shortLateThreshold:
				score -= lateUpTo7Penalty
			case ev.DaysOverdue <= mediumLateThreshold:
				score -= lateUpTo30Penalty
			default:
				score -= lateOver30Penalty
			}
		case StatusDefaulted:
			score -= defaultedPenalty
		}
	}

	bonus := float64(onTime) * onTimeBonus
	if bonus > maxOnTimeBonus {
		bonus = maxOnTimeBonus
	}
	score += bonus

	return clampScore(score)
}

func clampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
