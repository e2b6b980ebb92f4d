package collab

import (
	"strings"

	"github.com/meridianlabs/txgate/pkg/txstate"
)

// HeuristicClassifier is the reference Classifier. Instruction data
// starting with the transfer opcode is treated as a fund movement.
func HeuristicClassifier(p txstate.Payload) txstate.Classification {
	data := strings.ToLower(p.InstructionData)
	switch {
	case strings.HasPrefix(data, "03"):
		return txstate.Classification{Category: "TRANSFER", Confidence: 0.9, MovesFunds: true}
	case strings.HasPrefix(data, "02"):
		return txstate.Classification{Category: "ACCOUNT_CREATE", Confidence: 0.8, MovesFunds: true}
	case p.InstructionCount > 1:
		return txstate.Classification{Category: "COMPOSITE", Confidence: 0.6, MovesFunds: true}
	default:
		return txstate.Classification{Category: "PROGRAM_CALL", Confidence: 0.5, MovesFunds: false}
	}
}

// DefaultRiskScorer is the reference RiskScorer. The score is an opaque
// heuristic in [0,1]; the core only threads it through to the selector.
func DefaultRiskScorer(p txstate.Payload, c txstate.Classification) txstate.RiskScore {
	score := 0.1
	var factors []string

	if c.MovesFunds {
		score += 0.2
		factors = append(factors, "moves_funds")
	}
	if p.EstimatedAmount > 10 {
		score += 0.3
		factors = append(factors, "large_amount")
	}
	if len(p.Accounts) > 4 {
		score += 0.2
		factors = append(factors, "many_accounts")
	}
	if !strings.HasPrefix(p.Origin, "https://") {
		score += 0.2
		factors = append(factors, "insecure_origin")
	}
	if score > 1 {
		score = 1
	}
	return txstate.RiskScore{Score: score, Factors: factors}
}

// DefaultStrategySelector is the reference StrategySelector. It never
// selects the private rail; that tag exists only so the gate can deny it.
func DefaultStrategySelector(p txstate.Payload, score txstate.RiskScore, trust float64) txstate.StrategySelection {
	switch {
	case score.Score >= 0.8:
		return txstate.StrategySelection{Strategy: txstate.StrategyEphemeralSender, Rationale: "high risk, isolate sender"}
	case score.Score >= 0.5 || trust < 0.3:
		return txstate.StrategySelection{Strategy: txstate.StrategyRPCPrivacy, Rationale: "elevated risk or low trust"}
	default:
		return txstate.StrategySelection{Strategy: txstate.StrategyNormal, Rationale: "routine"}
	}
}
