package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellfinder/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeginRun(t *testing.T) {
	s := openTestStore(t)

	id, err := s.BeginRun([]byte("detection:\n  somaDiameter: 16\n"))
	require.NoError(t, err)
	assert.Len(t, id, 36)

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Contains(t, run.ParamsYAML, "somaDiameter")
	assert.False(t, run.StartedAt.IsZero())
	assert.True(t, run.FinishedAt.IsZero())

	other, err := s.BeginRun(nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestCompleteRun(t *testing.T) {
	s := openTestStore(t)
	id, err := s.BeginRun(nil)
	require.NoError(t, err)

	cells := []models.Cell{
		models.NewCell(models.Point3D{X: 1.5, Y: 2, Z: 3}, models.TypeCell),
		models.NewCell(models.Point3D{X: 4, Y: 5, Z: 6}, models.TypeNonCell),
	}
	summary := Summary{RawCells: 3, MergedCells: 1, NonCells: 1}
	require.NoError(t, s.CompleteRun(id, cells, summary))

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, run.Status)
	assert.Equal(t, summary, run.Summary)
	assert.False(t, run.FinishedAt.IsZero())

	got, err := s.Cells(id)
	require.NoError(t, err)
	assert.Equal(t, cells, got)

	// A run completes once
	err = s.CompleteRun(id, cells, summary)
	assert.True(t, errors.Is(err, ErrRunNotRunning), "got %v", err)
	got, err = s.Cells(id)
	require.NoError(t, err)
	assert.Len(t, got, 2, "a rejected completion must not add cells")
}

func TestFailRun(t *testing.T) {
	s := openTestStore(t)
	id, err := s.BeginRun(nil)
	require.NoError(t, err)

	require.NoError(t, s.FailRun(id, errors.New("plane 3: corrupt")))

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "plane 3: corrupt", run.Error)

	_, err = s.Cells(id)
	assert.ErrorIs(t, err, ErrRunIncomplete)

	err = s.CompleteRun(id, []models.Cell{models.NewCell(models.Point3D{}, models.TypeCell)}, Summary{})
	assert.ErrorIs(t, err, ErrRunNotRunning)
}

func TestRunningRunHasNoCells(t *testing.T) {
	s := openTestStore(t)
	id, err := s.BeginRun(nil)
	require.NoError(t, err)

	_, err = s.Cells(id)
	assert.ErrorIs(t, err, ErrRunIncomplete)
}

func TestUnknownRun(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.FailRun("missing", nil), ErrRunNotFound)
	assert.ErrorIs(t, s.CompleteRun("missing", nil, Summary{}), ErrRunNotFound)
	_, err = s.Cells("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.BeginRun(nil)
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(id, nil, Summary{}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, run.Status)

	cells, err := s.Cells(id)
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestRunIDs(t *testing.T) {
	s := openTestStore(t)

	ids, err := s.RunIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	first, err := s.BeginRun(nil)
	require.NoError(t, err)
	second, err := s.BeginRun(nil)
	require.NoError(t, err)

	ids, err = s.RunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids)
}
