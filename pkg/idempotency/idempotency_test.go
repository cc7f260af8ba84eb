package idempotency

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_AbsentKeyProceeds(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	lookup := s.Check("k1", "deadbeef")
	assert.Equal(t, OutcomeProceed, lookup.Outcome)
}

func TestCheck_MatchingHashIsDuplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), "k1", "deadbeef", "runs/r1/evidence.json", 1000))

	lookup := s.Check("k1", "deadbeef")
	require.Equal(t, OutcomeDuplicate, lookup.Outcome)
	require.NotNil(t, lookup.Existing)
	assert.Equal(t, "runs/r1/evidence.json", lookup.Existing.FirstEvidencePath)
}

func TestCheck_DifferingHashIsConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), "k1", "deadbeef", "runs/r1/evidence.json", 1000))

	lookup := s.Check("k1", "cafebabe")
	assert.Equal(t, OutcomeConflict, lookup.Outcome)
}

func TestRecord_FirstWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), "k1", "deadbeef", "runs/r1/evidence.json", 1000))
	require.NoError(t, s.Record(context.Background(), "k1", "deadbeef", "runs/r2/evidence.json", 2000))

	lookup := s.Check("k1", "deadbeef")
	assert.Equal(t, "runs/r1/evidence.json", lookup.Existing.FirstEvidencePath)
}

func TestNew_ReloadsPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), "k1", "deadbeef", "runs/r1/evidence.json", 1000))

	reloaded, err := New(path)
	require.NoError(t, err)
	lookup := reloaded.Check("k1", "deadbeef")
	assert.Equal(t, OutcomeDuplicate, lookup.Outcome)
}
