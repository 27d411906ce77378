package risk

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/mbd888/upiguard/internal/feature"
)

// Adapter names, in ensemble order.
const (
	ModelAnomaly      = "anomaly"
	ModelRandomForest = "random_forest"
	ModelXGBoost      = "xgboost"
)

// Ensemble weights per adapter. Renormalized over whichever adapters
// actually loaded.
var modelWeights = map[string]float64{
	ModelAnomaly:      0.2,
	ModelRandomForest: 0.4,
	ModelXGBoost:      0.4,
}

// Model scores a feature vector to a fraud probability in [0, 1].
type Model interface {
	Name() string
	Weight() float64
	Score(v feature.Vector) float64
}

// artifact is the serialized form of a trained model: a logistic surrogate
// exported as bias + per-feature coefficients.
type artifact struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// logisticModel scores via sigmoid(bias + Σ coefficient × feature).
type logisticModel struct {
	name   string
	weight float64
	art    artifact
}

func (m *logisticModel) Name() string    { return m.name }
func (m *logisticModel) Weight() float64 { return m.weight }

func (m *logisticModel) Score(v feature.Vector) float64 {
	z := m.art.Bias
	for name, value := range v.Map() {
		if coef, ok := m.art.Weights[name]; ok {
			z += coef * value
		}
	}
	return 1 / (1 + math.Exp(-z))
}

// LoadModels loads every adapter whose artifact exists under dir. A missing
// or unreadable artifact skips that adapter with a warning. An empty dir
// (or all artifacts missing) returns an empty slice, selecting the
// rule-based fallback.
func LoadModels(dir string, logger *slog.Logger) []Model {
	if dir == "" {
		return nil
	}

	var models []Model
	for _, name := range []string{ModelAnomaly, ModelRandomForest, ModelXGBoost} {
		m, err := loadModel(dir, name)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("skipping model artifact", "model", name, "error", err)
			}
			continue
		}
		models = append(models, m)
		logger.Info("loaded model artifact", "model", name, "weight", m.Weight())
	}
	return models
}

func loadModel(dir, name string) (Model, error) {
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path) // #nosec G304 -- path built from configured model dir
	if err != nil {
		return nil, err
	}

	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(art.Weights) == 0 {
		return nil, fmt.Errorf("parse %s: no weights", path)
	}

	return &logisticModel{name: name, weight: modelWeights[name], art: art}, nil
}
