package distributedkv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quorumlabs/raftkv/internal/kvsm"
	"github.com/quorumlabs/raftkv/internal/types"
)

// RaftNode is the subset of the consensus node that DistributedKV needs.
type RaftNode interface {
	Propose(ctx context.Context, payload []byte) ([]byte, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
}

// DistributedKV wraps the Raft node and the KV state machine into a single
// API for the HTTP layer. Writes go through consensus; reads are served
// from the local state machine and may lag the leader.
type DistributedKV struct {
	node RaftNode
	sm   *kvsm.KVStateMachine
}

// New creates a new DistributedKV.
func New(node RaftNode, sm *kvsm.KVStateMachine) *DistributedKV {
	return &DistributedKV{node: node, sm: sm}
}

func (d *DistributedKV) IsLeader() bool {
	return d.node.IsLeader()
}

func (d *DistributedKV) LeaderHint() types.LeaderHint {
	return d.node.LeaderHint()
}

func (d *DistributedKV) Status() types.NodeStatus {
	return d.node.Status()
}

func (d *DistributedKV) All() map[string]string {
	return d.sm.All()
}

// --- Reads (local) ---

func (d *DistributedKV) Get(key string) (string, bool) {
	return d.sm.Get(key)
}

func (d *DistributedKV) MGet(keys []string) map[string]string {
	return d.sm.MGet(keys)
}

// --- Writes (through Raft) ---

func (d *DistributedKV) Put(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpPut
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) Delete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpDelete
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) CAS(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpCAS
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) MPut(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchPut
	return d.propose(ctx, cmd)
}

func (d *DistributedKV) MDelete(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	cmd.Op = types.OpBatchDelete
	return d.propose(ctx, cmd)
}

// propose serializes the command through consensus and decodes the state
// machine's reply.
func (d *DistributedKV) propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return types.ApplyResult{}, err
	}
	response, err := d.node.Propose(ctx, payload)
	if err != nil {
		return types.ApplyResult{}, err
	}
	var res types.ApplyResult
	if err := json.Unmarshal(response, &res); err != nil {
		return types.ApplyResult{}, fmt.Errorf("decode apply result: %w", err)
	}
	return res, nil
}
