package risk

import (
	"fmt"
	"strings"

	"github.com/mbd888/upiguard/internal/feature"
)

// Qualitative thresholds for the explainability pass.
const (
	amountHigh    = 10000.0
	amountMedium  = 5000.0
	velocityHigh  = 8
	velocityMed   = 4
	modelProbHigh = 0.7
	modelProbMed  = 0.4
	anomalyHigh   = 0.7
)

const neutralReason = "No elevated risk indicators"

// Reasons derives human-readable risk reasons from the feature vector and
// the per-model outputs. Pure function of its inputs.
func Reasons(v feature.Vector, a *Assessment) []string {
	var reasons []string

	switch {
	case v.Amount > amountHigh:
		reasons = append(reasons, fmt.Sprintf("High transaction amount (₹%.0f)", v.Amount))
	case v.Amount > amountMedium:
		reasons = append(reasons, fmt.Sprintf("Above-average transaction amount (₹%.0f)", v.Amount))
	}

	switch {
	case v.TxCount1h > velocityHigh:
		reasons = append(reasons, fmt.Sprintf("Very high transaction velocity (%d in the last hour)", v.TxCount1h))
	case v.TxCount1h > velocityMed:
		reasons = append(reasons, fmt.Sprintf("Elevated transaction velocity (%d in the last hour)", v.TxCount1h))
	}

	if v.IsNightHour {
		reasons = append(reasons, "Transaction during unusual hours")
	}
	if v.IsNewDevice {
		reasons = append(reasons, "Transaction from a new device")
	}
	if v.IsNewRecipient {
		reasons = append(reasons, "First payment to this recipient")
	}

	if score, ok := a.ModelScores[ModelAnomaly]; ok && score > anomalyHigh {
		reasons = append(reasons, "Transaction pattern differs from user history")
	}

	for _, name := range []string{ModelRandomForest, ModelXGBoost} {
		score, ok := a.ModelScores[name]
		if !ok {
			continue
		}
		switch {
		case score > modelProbHigh:
			reasons = append(reasons, fmt.Sprintf("Fraud model flagged this transaction (%.0f%%)", score*100))
		case score > modelProbMed:
			reasons = append(reasons, fmt.Sprintf("Fraud model sees moderate risk (%.0f%%)", score*100))
		}
	}

	if a.Confidence == ConfidenceLow {
		reasons = append(reasons, "Models disagree on this transaction")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, neutralReason)
	}
	return reasons
}

// trustKnownRecipient rewrites the reason list for a recipient with prior
// history: recipient-novelty reasons go away and the trust note leads.
func trustKnownRecipient(reasons []string) []string {
	out := []string{"Trusted recipient (prior transaction history)"}
	for _, r := range reasons {
		if r == neutralReason || strings.Contains(strings.ToLower(r), "recipient") {
			continue
		}
		out = append(out, r)
	}
	return out
}
