package risk

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/upiguard/internal/feature"
)

func writeArtifact(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o600))
}

func TestLoadModels(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, ModelRandomForest, `{"bias": -1.0, "weights": {"amount": 0.0002, "is_new_device": 0.8}}`)
	writeArtifact(t, dir, ModelXGBoost, `{"bias": -1.2, "weights": {"amount": 0.0003}}`)
	// anomaly artifact deliberately absent

	models := LoadModels(dir, slog.Default())
	require.Len(t, models, 2)
	assert.Equal(t, ModelRandomForest, models[0].Name())
	assert.Equal(t, 0.4, models[0].Weight())
	assert.Equal(t, ModelXGBoost, models[1].Name())
}

func TestLoadModels_SkipsCorruptArtifact(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, ModelRandomForest, `not json`)
	writeArtifact(t, dir, ModelXGBoost, `{"bias": 0.0, "weights": {"amount": 0.1}}`)

	models := LoadModels(dir, slog.Default())
	require.Len(t, models, 1)
	assert.Equal(t, ModelXGBoost, models[0].Name())
}

func TestLoadModels_EmptyDirSelectsFallback(t *testing.T) {
	assert.Empty(t, LoadModels("", slog.Default()))
	assert.Empty(t, LoadModels(t.TempDir(), slog.Default()))
}

func TestLogisticModel_Score(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, ModelXGBoost, `{"bias": 0.0, "weights": {"is_night_hour": 2.0}}`)

	models := LoadModels(dir, slog.Default())
	require.Len(t, models, 1)
	m := models[0]

	day := m.Score(feature.Vector{Amount: 100})
	night := m.Score(feature.Vector{Amount: 100, IsNightHour: true})

	assert.InDelta(t, 0.5, day, 0.0001) // sigmoid(0)
	assert.Greater(t, night, day)
	assert.Less(t, night, 1.0)
}
