package raft

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/quorumlabs/raftkv/internal/raft/storage"
	"github.com/quorumlabs/raftkv/internal/raft/transporthttp"
	"github.com/quorumlabs/raftkv/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
)

// proposalResult is delivered to a waiting Propose call.
type proposalResult struct {
	response []byte
	err      error
}

// pendingProposal tracks a client proposal until its entry applies or is
// lost to a leadership change.
type pendingProposal struct {
	term uint64
	ch   chan proposalResult
}

// Node is a Raft node. All mutable consensus state is guarded by mu; RPC
// handlers, timer callbacks and proposal handling each run to completion
// under it, so handling on one node is totally ordered.
type Node struct {
	cfg    Config
	stable storage.StableStore
	log    storage.LogStore
	snaps  storage.SnapshotStore
	tp     transporthttp.Transport
	sm     StateMachine

	mu          sync.Mutex
	role        string
	currentTerm uint64
	votedFor    types.NodeID
	hasVote     bool
	leaderHint  types.LeaderHint
	commitIndex uint64
	lastApplied uint64

	// leader volatile state, valid only while role == RoleLeader
	matchIndex map[types.NodeID]uint64
	nextIndex  map[types.NodeID]uint64
	peerSeq    map[types.NodeID]uint64 // last AppendEntries sequence sent
	peerAcked  map[types.NodeID]uint64 // last sequence whose response was applied

	// candidate volatile state: peers that granted a vote this term (self
	// is implicit)
	votesGranted map[types.NodeID]bool

	// follower-side InstallSnapshot chunk assembly
	incoming *incomingSnapshot

	// leader machinery
	heartbeatStopCh chan struct{}
	replicateKick   map[types.NodeID]chan struct{}

	// pending proposals waiting for apply, keyed by log index
	pendingMu sync.Mutex
	pending   map[uint64]pendingProposal

	applierCh       chan struct{}
	applierDone     chan struct{}
	electionResetCh chan struct{}
	ctx             context.Context
	cancel          context.CancelFunc

	rand   *rand.Rand
	logger *log.Logger
}

// NewNode creates a Raft node and recovers its state: persistent metadata,
// the latest snapshot (restoring the state machine from it), and the log
// suffix beyond the snapshot boundary.
func NewNode(cfg Config, stable storage.StableStore, logStore storage.LogStore, snaps storage.SnapshotStore, tp transporthttp.Transport, sm StateMachine) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	term, err := stable.GetCurrentTerm()
	if err != nil {
		return nil, err
	}
	votedFor, hasVote, err := stable.GetVotedFor()
	if err != nil {
		return nil, err
	}

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	n := &Node{
		cfg:             cfg,
		stable:          stable,
		log:             logStore,
		snaps:           snaps,
		tp:              tp,
		sm:              sm,
		role:            RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		hasVote:         hasVote,
		matchIndex:      make(map[types.NodeID]uint64),
		nextIndex:       make(map[types.NodeID]uint64),
		peerSeq:         make(map[types.NodeID]uint64),
		peerAcked:       make(map[types.NodeID]uint64),
		pending:         make(map[uint64]pendingProposal),
		applierCh:       make(chan struct{}, 1),
		electionResetCh: make(chan struct{}, 1),
		rand:            r,
		logger:          logger,
	}

	snap, ok, err := snaps.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := sm.Restore(snap.Data); err != nil {
			return nil, err
		}
		// Drops any log entries the snapshot already covers.
		if err := logStore.SetSnapshotMark(snap.Meta.LastIncludedIndex, snap.Meta.LastIncludedTerm); err != nil {
			return nil, err
		}
		n.commitIndex = snap.Meta.LastIncludedIndex
		n.lastApplied = snap.Meta.LastIncludedIndex
	}

	return n, nil
}

// Start launches the applier loop and election timer.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.applierDone = make(chan struct{})
	go n.applierLoop()
	go n.electionLoop()
	return nil
}

// Stop shuts the node down: no new inputs, pending proposals failed,
// applier drained.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	n.failPending(ErrShuttingDown)
	select {
	case <-n.applierDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	firstIdx, _ := n.log.FirstIndex()
	lastIdx, _ := n.log.LastIndex()
	snapIdx, _, _ := n.log.SnapshotMark()
	return types.NodeStatus{
		ID:            n.cfg.ID,
		Role:          n.role,
		Term:          n.currentTerm,
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		FirstIndex:    firstIdx,
		LastIndex:     lastIdx,
		SnapshotIndex: snapIdx,
		LeaderHint:    n.leaderHint,
	}
}

// --- Election timer ---

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.ElectionTimeoutMin
	max := n.cfg.ElectionTimeoutMax
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) electionLoop() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != RoleLeader {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// --- Election ---

func (n *Node) startElection() {
	n.mu.Lock()
	n.role = RoleCandidate
	n.currentTerm++
	n.votedFor = n.cfg.ID
	n.hasVote = true
	n.votesGranted = make(map[types.NodeID]bool)
	term := n.currentTerm

	// Persist term and self-vote before any RequestVote leaves this node.
	if err := n.stable.SetCurrentTerm(term); err != nil {
		n.mu.Unlock()
		n.invariantf("persist term %d: %v", term, err)
		return
	}
	if err := n.stable.SetVotedFor(n.cfg.ID); err != nil {
		n.mu.Unlock()
		n.invariantf("persist vote for self in term %d: %v", term, err)
		return
	}

	lastIdx, _ := n.log.LastIndex()
	lastTerm, _ := n.log.LastTerm()
	peers := append([]types.NodeID(nil), n.cfg.Peers...)

	n.logger.Printf("[%s] starting election for term %d", n.cfg.ID, term)

	// A single-node cluster wins immediately.
	if n.countVotesLocked() >= n.cfg.quorum() {
		n.becomeLeaderLocked()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	req := transporthttp.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}

	for _, p := range peers {
		go func(peer types.NodeID) {
			if n.tp == nil {
				return
			}
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ElectionTimeoutMin)
			defer cancel()
			resp, err := n.tp.RequestVote(ctx, peer, req)
			if err != nil {
				return
			}
			n.handleVoteResponse(peer, term, resp)
		}(p)
	}
}

func (n *Node) handleVoteResponse(peer types.NodeID, term uint64, resp transporthttp.RequestVoteResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}
	// Stale response from an earlier election, or we already won/lost.
	if n.role != RoleCandidate || n.currentTerm != term || resp.Term < term {
		return
	}
	if !resp.VoteGranted {
		return
	}

	n.votesGranted[peer] = true
	if n.countVotesLocked() >= n.cfg.quorum() {
		n.becomeLeaderLocked()
	}
}

// countVotesLocked counts grants in the current election, self included.
func (n *Node) countVotesLocked() int {
	return len(n.votesGranted) + 1
}

func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}
	n.votesGranted = nil

	lastIdx, _ := n.log.LastIndex()
	n.replicateKick = make(map[types.NodeID]chan struct{}, len(n.cfg.Peers))
	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = lastIdx + 1
		n.matchIndex[p] = 0
		n.peerSeq[p] = 0
		n.peerAcked[p] = 0
		n.replicateKick[p] = make(chan struct{}, 1)
	}

	n.logger.Printf("[%s] became leader in term %d", n.cfg.ID, n.currentTerm)

	n.heartbeatStopCh = make(chan struct{})
	for _, p := range n.cfg.Peers {
		go n.replicatorLoop(p, n.currentTerm, n.heartbeatStopCh, n.replicateKick[p])
	}
	go n.heartbeatLoop(n.heartbeatStopCh)

	// A cluster of one can commit its own log right away.
	if len(n.cfg.Peers) == 0 {
		n.advanceCommitIndexLocked()
	}
}

// stepDownLocked reverts to follower, adopting newTerm if it is higher.
// Pending proposals are failed: their entries may be overwritten and the
// new leader will not answer them.
func (n *Node) stepDownLocked(newTerm uint64) {
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		n.votedFor = ""
		n.hasVote = false
		n.leaderHint = types.LeaderHint{}
		if err := n.stable.SetCurrentTerm(newTerm); err != nil {
			n.invariantf("persist term %d: %v", newTerm, err)
		}
		if err := n.stable.ClearVotedFor(); err != nil {
			n.invariantf("clear vote at term %d: %v", newTerm, err)
		}
	}
	wasLeader := n.role == RoleLeader
	if wasLeader && n.heartbeatStopCh != nil {
		close(n.heartbeatStopCh)
		n.heartbeatStopCh = nil
	}
	n.role = RoleFollower
	n.votesGranted = nil
	if wasLeader {
		n.logger.Printf("[%s] stepped down to follower at term %d", n.cfg.ID, n.currentTerm)
		n.failPending(ErrNotLeader)
	}
	n.resetElectionTimer()
}

// --- Proposals ---

// Propose appends a command on the leader, replicates it, and returns the
// state machine's apply result once the entry commits and applies locally.
func (n *Node) Propose(ctx context.Context, payload []byte) ([]byte, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return nil, ErrNotLeader
	}
	term := n.currentTerm

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	idx := lastIdx + 1
	entry := storage.LogEntry{Index: idx, Term: term, Payload: payload}
	// Durable before the entry counts toward commit.
	if err := n.log.Append([]storage.LogEntry{entry}); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	ch := make(chan proposalResult, 1)
	n.pendingMu.Lock()
	n.pending[idx] = pendingProposal{term: term, ch: ch}
	n.pendingMu.Unlock()

	if len(n.cfg.Peers) == 0 {
		n.advanceCommitIndexLocked()
	}
	n.kickReplicatorsLocked()
	n.mu.Unlock()

	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, idx)
		n.pendingMu.Unlock()
	}()

	select {
	case res := <-ch:
		return res.response, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrShuttingDown
	}
}

// failPending fails every pending proposal with err.
func (n *Node) failPending(err error) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	for idx, p := range n.pending {
		p.ch <- proposalResult{err: err}
		delete(n.pending, idx)
	}
}

// --- Apply loop ---

func (n *Node) signalApplier() {
	select {
	case n.applierCh <- struct{}{}:
	default:
	}
}

func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applierCh:
			n.applyCommitted()
			n.maybeTakeSnapshot()
		}
	}
}

// applyCommitted delivers committed entries to the state machine in log
// order, exactly once each.
func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		lo := n.lastApplied + 1
		hi := n.commitIndex
		n.mu.Unlock()

		entries, err := n.log.ReadRange(lo, hi)
		if err != nil {
			n.invariantf("read committed range [%d, %d]: %v", lo, hi, err)
			return
		}

		for _, e := range entries {
			response := n.sm.Apply(e.Payload)

			n.mu.Lock()
			n.lastApplied = e.Index
			n.mu.Unlock()

			n.pendingMu.Lock()
			if p, ok := n.pending[e.Index]; ok {
				if p.term == e.Term {
					p.ch <- proposalResult{response: response}
				} else {
					p.ch <- proposalResult{err: ErrProposalOverwritten}
				}
				delete(n.pending, e.Index)
			}
			n.pendingMu.Unlock()
		}
	}
}

// RaftHTTPHandler returns the Raft RPC HTTP handler for this node.
func (n *Node) RaftHTTPHandler() *transporthttp.RaftHTTPServer {
	return transporthttp.NewRaftHTTPServer(n)
}

// invariantf reports a fatal consistency violation and halts the node.
// Restart recovers from persistent state.
func (n *Node) invariantf(format string, args ...interface{}) {
	n.logger.Printf("[%s] FATAL %v: "+format, append([]interface{}{n.cfg.ID, ErrInvariantViolation}, args...)...)
	if n.cancel != nil {
		n.cancel()
	}
	n.failPending(ErrShuttingDown)
}
