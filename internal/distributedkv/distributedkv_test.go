package distributedkv

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/raftkv/internal/kvsm"
	"github.com/quorumlabs/raftkv/internal/types"
)

// fakeNode applies proposals straight to the local state machine, standing
// in for a single-node consensus group.
type fakeNode struct {
	sm        *kvsm.KVStateMachine
	leader    bool
	lastWire  []byte
	proposeErr error
}

func (f *fakeNode) Propose(_ context.Context, payload []byte) ([]byte, error) {
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	f.lastWire = payload
	return f.sm.Apply(payload), nil
}

func (f *fakeNode) IsLeader() bool { return f.leader }

func (f *fakeNode) LeaderHint() types.LeaderHint {
	return types.LeaderHint{LeaderID: "n1", LeaderAddr: "http://n1"}
}

func (f *fakeNode) Status() types.NodeStatus {
	return types.NodeStatus{ID: "n1", Role: "leader", Term: 1}
}

func newTestDKV(t *testing.T) (*DistributedKV, *fakeNode) {
	t.Helper()
	sm := kvsm.New()
	node := &fakeNode{sm: sm, leader: true}
	return New(node, sm), node
}

func TestPutThenGet(t *testing.T) {
	dkv, node := newTestDKV(t)

	res, err := dkv.Put(context.Background(), types.Command{Key: "a", Value: "1"})
	require.NoError(t, err)
	require.True(t, res.Ok)

	// The command crossed the node as an opaque JSON payload with the op
	// filled in.
	var wire types.Command
	require.NoError(t, json.Unmarshal(node.lastWire, &wire))
	require.Equal(t, types.OpPut, wire.Op)
	require.Equal(t, "a", wire.Key)

	v, ok := dkv.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestDeleteAndBatches(t *testing.T) {
	dkv, _ := newTestDKV(t)

	_, err := dkv.MPut(context.Background(), types.Command{
		Entries: []types.Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}},
	})
	require.NoError(t, err)

	res, err := dkv.Delete(context.Background(), types.Command{Key: "a"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)

	res, err = dkv.MDelete(context.Background(), types.Command{Keys: []string{"b", "missing"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)

	require.Empty(t, dkv.All())
}

func TestCAS(t *testing.T) {
	dkv, _ := newTestDKV(t)

	res, err := dkv.CAS(context.Background(), types.Command{Key: "a", Expected: "", Value: "1"})
	require.NoError(t, err)
	require.True(t, res.Ok)

	res, err = dkv.CAS(context.Background(), types.Command{Key: "a", Expected: "wrong", Value: "2"})
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Equal(t, "cas_failed", res.ErrCode)
}

func TestProposeErrorPassthrough(t *testing.T) {
	dkv, node := newTestDKV(t)
	wantErr := errors.New("raft: not leader")
	node.proposeErr = wantErr

	_, err := dkv.Put(context.Background(), types.Command{Key: "a", Value: "1"})
	require.ErrorIs(t, err, wantErr)
}

func TestMGetReadsLocalState(t *testing.T) {
	dkv, _ := newTestDKV(t)
	_, err := dkv.Put(context.Background(), types.Command{Key: "a", Value: "1"})
	require.NoError(t, err)

	require.Equal(t, map[string]string{"a": "1"}, dkv.MGet([]string{"a", "zz"}))
}
