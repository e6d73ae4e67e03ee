package kvsm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/raftkv/internal/types"
)

func TestApplyCommand_Put(t *testing.T) {
	sm := New()

	res := sm.ApplyCommand(types.Command{Op: types.OpPut, Key: "a", Value: "1"})
	require.True(t, res.Ok)

	v, ok := sm.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	res = sm.ApplyCommand(types.Command{Op: types.OpPut})
	require.False(t, res.Ok)
	require.Equal(t, "bad_request", res.ErrCode)
}

func TestApplyCommand_Delete(t *testing.T) {
	sm := New()
	sm.ApplyCommand(types.Command{Op: types.OpPut, Key: "a", Value: "1"})

	res := sm.ApplyCommand(types.Command{Op: types.OpDelete, Key: "a"})
	require.True(t, res.Ok)
	require.Equal(t, 1, res.Deleted)

	res = sm.ApplyCommand(types.Command{Op: types.OpDelete, Key: "a"})
	require.True(t, res.Ok)
	require.Equal(t, 0, res.Deleted)
}

func TestApplyCommand_CAS(t *testing.T) {
	sm := New()
	sm.ApplyCommand(types.Command{Op: types.OpPut, Key: "a", Value: "1"})

	res := sm.ApplyCommand(types.Command{Op: types.OpCAS, Key: "a", Expected: "1", Value: "2"})
	require.True(t, res.Ok)

	res = sm.ApplyCommand(types.Command{Op: types.OpCAS, Key: "a", Expected: "1", Value: "3"})
	require.False(t, res.Ok)
	require.Equal(t, "cas_failed", res.ErrCode)

	v, _ := sm.Get("a")
	require.Equal(t, "2", v)
}

func TestApplyCommand_BatchOps(t *testing.T) {
	sm := New()

	res := sm.ApplyCommand(types.Command{
		Op: types.OpBatchPut,
		Entries: []types.Entry{
			{Key: "a", Value: "1"},
			{Key: "b", Value: "2"},
			{Key: "c", Value: "3"},
		},
	})
	require.True(t, res.Ok)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, sm.MGet([]string{"a", "b", "missing"}))

	res = sm.ApplyCommand(types.Command{Op: types.OpBatchDelete, Keys: []string{"a", "b", "missing"}})
	require.True(t, res.Ok)
	require.Equal(t, 2, res.Deleted)
	require.Equal(t, map[string]string{"c": "3"}, sm.All())
}

func TestApplyCommand_Dedupe(t *testing.T) {
	sm := New()

	first := sm.ApplyCommand(types.Command{ClientID: "c1", Seq: 1, Op: types.OpCAS, Key: "a", Expected: "", Value: "1"})
	require.True(t, first.Ok)

	// A retry of the same (client, seq) returns the recorded reply without
	// re-executing; a fresh CAS with the same args would now fail.
	retry := sm.ApplyCommand(types.Command{ClientID: "c1", Seq: 1, Op: types.OpCAS, Key: "a", Expected: "", Value: "1"})
	require.True(t, retry.Ok)
	v, _ := sm.Get("a")
	require.Equal(t, "1", v)

	seq, ok := sm.LastSeen("c1")
	require.True(t, ok)
	require.Equal(t, uint64(1), seq)
}

func TestApply_OpaquePayloadRoundTrip(t *testing.T) {
	sm := New()

	payload, err := json.Marshal(types.Command{Op: types.OpPut, Key: "k", Value: "v"})
	require.NoError(t, err)

	var res types.ApplyResult
	require.NoError(t, json.Unmarshal(sm.Apply(payload), &res))
	require.True(t, res.Ok)

	v, ok := sm.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestApply_InvalidPayload(t *testing.T) {
	sm := New()

	var res types.ApplyResult
	require.NoError(t, json.Unmarshal(sm.Apply([]byte("not json")), &res))
	require.False(t, res.Ok)
	require.Equal(t, "invalid_command", res.ErrCode)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	sm := New()
	sm.ApplyCommand(types.Command{ClientID: "c1", Seq: 1, Op: types.OpPut, Key: "a", Value: "1"})
	sm.ApplyCommand(types.Command{ClientID: "c1", Seq: 2, Op: types.OpPut, Key: "b", Value: "2"})

	data, err := sm.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(data))

	require.Equal(t, sm.All(), restored.All())

	// Subsequent applies behave identically on both machines, dedupe state
	// included.
	cmd := types.Command{ClientID: "c1", Seq: 2, Op: types.OpPut, Key: "b", Value: "overwrite"}
	require.Equal(t, sm.ApplyCommand(cmd), restored.ApplyCommand(cmd))
	v, _ := restored.Get("b")
	require.Equal(t, "2", v, "deduped retry must not overwrite")
}

func TestRestore_EmptySnapshot(t *testing.T) {
	sm := New()
	require.NoError(t, sm.Restore([]byte(`{}`)))
	res := sm.ApplyCommand(types.Command{Op: types.OpPut, Key: "a", Value: "1"})
	require.True(t, res.Ok)
}
