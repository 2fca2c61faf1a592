package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmonitor/pkg/models"
)

func newTarget(t *testing.T, value string, status models.TargetStatus) models.Target {
	t.Helper()
	target, err := models.NewTarget(models.TargetDefinition{Kind: models.KindPhrase, Value: value})
	require.NoError(t, err)
	target.Status = status
	if status.Enabled() {
		target.RuleID = "r-" + value
	}
	return target
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	targets, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewFileStore(path)

	active := newTarget(t, "golang", models.StatusActive)
	active.Analysis = &models.AnalysisSettings{Enabled: true, Provider: "grok", Prompt: "why"}
	inactive := newTarget(t, "rust", models.StatusInactive)
	require.NoError(t, s.Save([]models.Target{active, inactive}))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, active.ID, loaded[0].ID)
	assert.Equal(t, models.StatusActive, loaded[0].Status)
	assert.Equal(t, "why", loaded[0].Analysis.Prompt)
	assert.Equal(t, models.StatusInactive, loaded[1].Status)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestSaveEmptyWritesTargetsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, NewFileStore(path).Save(nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"targets": []}`, string(data))
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewFileStore(path).Load()
	assert.ErrorContains(t, err, "failed to parse state file")
}

func TestUpdate(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	first := newTarget(t, "golang", models.StatusInactive)

	require.NoError(t, s.Update(func(targets []models.Target) ([]models.Target, error) {
		return append(targets, first), nil
	}))

	boom := errors.New("boom")
	err := s.Update(func(targets []models.Target) ([]models.Target, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1, "a failed update leaves the file untouched")
	assert.Equal(t, first.ID, loaded[0].ID)
}
