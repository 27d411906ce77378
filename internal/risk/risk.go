// Package risk scores transactions with a weighted model ensemble.
//
// Three adapters are tried at construction: an unsupervised anomaly model
// and two supervised classifiers (random forest and gradient-boosted
// surrogates exported as logistic coefficient files). A missing or corrupt
// artifact just leaves that adapter out; with no adapters at all a
// deterministic rule-based fallback produces the score. Scoring never
// fails a transaction.
package risk

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/upiguard/internal/feature"
	"github.com/mbd888/upiguard/internal/metrics"
)

// Confidence labels for an assessment.
const (
	ConfidenceHigh = "HIGH"
	ConfidenceLow  = "LOW"
)

// disagreementSpread is the supervised-score spread above which an
// assessment is flagged low confidence.
const disagreementSpread = 0.35

// knownRecipientDiscount scales the ensemble score for recipients the
// sender has paid before.
const knownRecipientDiscount = 0.3

// Assessment is the result of scoring one transaction.
type Assessment struct {
	ModelScores  map[string]float64 `json:"model_scores"`
	Score        float64            `json:"score"`
	Confidence   string             `json:"confidence"`
	Disagreement float64            `json:"disagreement"`
	Reasons      []string           `json:"reasons"`
	Fallback     bool               `json:"fallback"`
}

// Scorer runs the ensemble. Reload swaps the adapter set atomically;
// request paths never mutate it.
type Scorer struct {
	mu     sync.RWMutex
	models []Model
	logger *slog.Logger
}

// NewScorer creates a scorer over the given adapters. An empty adapter set
// selects the rule-based fallback.
func NewScorer(models []Model, logger *slog.Logger) *Scorer {
	return &Scorer{models: models, logger: logger}
}

// Reload replaces the adapter set.
func (s *Scorer) Reload(models []Model) {
	s.mu.Lock()
	s.models = models
	s.mu.Unlock()
	s.logger.Info("risk models reloaded", "count", len(models))
}

// Models returns the names of the loaded adapters.
func (s *Scorer) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.models))
	for i, m := range s.models {
		names[i] = m.Name()
	}
	return names
}

// Score produces an assessment for the feature vector.
func (s *Scorer) Score(ctx context.Context, v feature.Vector) *Assessment {
	start := time.Now()
	defer func() {
		metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	}()

	s.mu.RLock()
	models := s.models
	s.mu.RUnlock()

	a := &Assessment{
		ModelScores: make(map[string]float64),
		Confidence:  ConfidenceHigh,
	}

	if len(models) == 0 {
		a.Score = FallbackScore(v)
		a.Fallback = true
		metrics.FallbackScoresTotal.Inc()
	} else {
		var weighted, totalWeight float64
		for _, m := range models {
			score := clamp01(m.Score(v))
			a.ModelScores[m.Name()] = score
			weighted += score * m.Weight()
			totalWeight += m.Weight()
		}
		a.Score = weighted / totalWeight

		rf, rfOK := a.ModelScores[ModelRandomForest]
		xgb, xgbOK := a.ModelScores[ModelXGBoost]
		if rfOK && xgbOK {
			a.Disagreement = math.Abs(rf - xgb)
			if a.Disagreement > disagreementSpread {
				a.Confidence = ConfidenceLow
			}
		}
	}

	a.Reasons = Reasons(v, a)

	if !v.IsNewRecipient && v.RecipientCount > 0 {
		a.Score = clamp01(a.Score * knownRecipientDiscount)
		a.Reasons = trustKnownRecipient(a.Reasons)
	}

	metrics.RiskScore.Observe(a.Score)
	return a
}

// FallbackScore is the deterministic rule score used when no model
// adapters are loaded. Additive terms, clamped to [0, 1], monotone in
// amount.
func FallbackScore(v feature.Vector) float64 {
	var score float64

	switch {
	case v.Amount > 10000:
		score += 0.4
	case v.Amount > 5000:
		score += 0.25
	case v.Amount > 2000:
		score += 0.15
	}

	if v.IsNightHour {
		score += 0.2
	}
	if v.IsNewDevice {
		score += 0.15
	}
	if v.IsNewRecipient {
		score += 0.1
	}

	score += v.MerchantRisk * 0.15

	switch {
	case v.TxCount1h > 10:
		score += 0.3
	case v.TxCount1h > 5:
		score += 0.15
	}

	if v.IsQRChannel || v.IsWebChannel {
		score += 0.1
	}

	return clamp01(score)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
