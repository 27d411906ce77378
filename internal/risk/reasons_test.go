package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/upiguard/internal/feature"
)

func TestReasons_Neutral(t *testing.T) {
	reasons := Reasons(feature.Vector{Amount: 100}, &Assessment{Confidence: ConfidenceHigh})
	assert.Equal(t, []string{neutralReason}, reasons)
}

func TestReasons_FeatureDriven(t *testing.T) {
	v := feature.Vector{
		Amount:         12000,
		TxCount1h:      9,
		IsNightHour:    true,
		IsNewDevice:    true,
		IsNewRecipient: true,
	}
	reasons := Reasons(v, &Assessment{Confidence: ConfidenceHigh})

	assert.Contains(t, reasons, "High transaction amount (₹12000)")
	assert.Contains(t, reasons, "Very high transaction velocity (9 in the last hour)")
	assert.Contains(t, reasons, "Transaction during unusual hours")
	assert.Contains(t, reasons, "Transaction from a new device")
	assert.Contains(t, reasons, "First payment to this recipient")
}

func TestReasons_ModelDriven(t *testing.T) {
	a := &Assessment{
		Confidence: ConfidenceHigh,
		ModelScores: map[string]float64{
			ModelAnomaly:      0.8,
			ModelRandomForest: 0.75,
			ModelXGBoost:      0.5,
		},
	}
	reasons := Reasons(feature.Vector{Amount: 100}, a)

	assert.Contains(t, reasons, "Transaction pattern differs from user history")
	assert.Contains(t, reasons, "Fraud model flagged this transaction (75%)")
	assert.Contains(t, reasons, "Fraud model sees moderate risk (50%)")
}

func TestTrustKnownRecipient(t *testing.T) {
	in := []string{
		"First payment to this recipient",
		"Transaction during unusual hours",
	}
	out := trustKnownRecipient(in)

	assert.Equal(t, []string{
		"Trusted recipient (prior transaction history)",
		"Transaction during unusual hours",
	}, out)

	// Neutral-only lists collapse to just the trust note.
	out = trustKnownRecipient([]string{neutralReason})
	assert.Equal(t, []string{"Trusted recipient (prior transaction history)"}, out)
}
