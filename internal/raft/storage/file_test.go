package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/raftkv/internal/types"
)

func TestFileStableStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStableStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetCurrentTerm(7))
	require.NoError(t, s.SetVotedFor("node3"))

	reopened, err := NewFileStableStore(dir)
	require.NoError(t, err)

	term, err := reopened.GetCurrentTerm()
	require.NoError(t, err)
	require.Equal(t, uint64(7), term)

	votedFor, hasVote, err := reopened.GetVotedFor()
	require.NoError(t, err)
	require.True(t, hasVote)
	require.Equal(t, "node3", string(votedFor))
}

func TestFileStableStore_ClearVoteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStableStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetCurrentTerm(2))
	require.NoError(t, s.SetVotedFor("node1"))
	require.NoError(t, s.ClearVotedFor())

	reopened, err := NewFileStableStore(dir)
	require.NoError(t, err)
	_, hasVote, err := reopened.GetVotedFor()
	require.NoError(t, err)
	require.False(t, hasVote)
}

func TestFileLogStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileLogStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append([]LogEntry{
		entry(1, 1, "a"),
		entry(2, 1, "b"),
		entry(3, 2, "c"),
	}))
	require.NoError(t, s.DeleteFrom(3))
	require.NoError(t, s.Append([]LogEntry{entry(3, 3, "c2")}))

	reopened, err := NewFileLogStore(dir)
	require.NoError(t, err)

	last, err := reopened.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	term, err := reopened.TermAt(3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)

	got, err := reopened.Get(3)
	require.NoError(t, err)
	require.Equal(t, []byte("c2"), got.Payload)
}

func TestFileLogStore_SnapshotMarkSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileLogStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append([]LogEntry{
		entry(1, 1, "a"),
		entry(2, 1, "b"),
		entry(3, 2, "c"),
	}))
	require.NoError(t, s.SetSnapshotMark(2, 1))

	reopened, err := NewFileLogStore(dir)
	require.NoError(t, err)

	first, _ := reopened.FirstIndex()
	require.Equal(t, uint64(3), first)
	markIdx, markTerm, err := reopened.SnapshotMark()
	require.NoError(t, err)
	require.Equal(t, uint64(2), markIdx)
	require.Equal(t, uint64(1), markTerm)

	term, err := reopened.TermAt(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	_, err = reopened.Get(1)
	require.ErrorIs(t, err, ErrCompacted)
}

func TestFileSnapshotStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)

	_, ok, err := s.Load()
	require.NoError(t, err)
	require.False(t, ok)

	snap := Snapshot{
		Meta: SnapshotMeta{
			LastIncludedIndex: 42,
			LastIncludedTerm:  5,
			Configuration:     []types.NodeID{"node1", "node2"},
		},
		Data: []byte("machine state"),
	}
	require.NoError(t, s.Save(snap))

	// A second save replaces the first.
	snap.Meta.LastIncludedIndex = 50
	snap.Data = []byte("newer state")
	require.NoError(t, s.Save(snap))

	reopened, err := NewFileSnapshotStore(dir)
	require.NoError(t, err)
	got, ok, err := reopened.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(50), got.Meta.LastIncludedIndex)
	require.Equal(t, []byte("newer state"), got.Data)
}
