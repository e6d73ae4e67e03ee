package raft

import (
	"context"
	"errors"

	"github.com/quorumlabs/raftkv/internal/raft/storage"
	"github.com/quorumlabs/raftkv/internal/raft/transporthttp"
	"github.com/quorumlabs/raftkv/internal/types"
)

// observeTermLocked adopts a higher term seen in any message: bump term,
// clear the vote, drop back to follower. Persists before the caller
// replies.
func (n *Node) observeTermLocked(term uint64) {
	if term > n.currentTerm {
		n.stepDownLocked(term)
	}
}

// HandleRequestVote handles an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(ctx context.Context, req transporthttp.RequestVoteRequest) (transporthttp.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}
	n.observeTermLocked(req.Term)

	canVote := !n.hasVote || n.votedFor == req.CandidateID

	// The candidate's log must be at least as up-to-date as ours:
	// (lastLogTerm, lastLogIndex) compared lexicographically.
	lastIdx, _ := n.log.LastIndex()
	lastTerm, _ := n.log.LastTerm()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	if canVote && logOK {
		n.votedFor = req.CandidateID
		n.hasVote = true
		// The vote must be durable before the candidate can count it.
		if err := n.stable.SetVotedFor(req.CandidateID); err != nil {
			n.invariantf("persist vote for %s in term %d: %v", req.CandidateID, n.currentTerm, err)
			return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, err
		}
		n.resetElectionTimer()
		return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
	}

	return transporthttp.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
}

// HandleAppendEntries handles an incoming AppendEntries RPC. Heartbeats run
// the same consistency check and commit advance as entry-carrying requests.
func (n *Node) HandleAppendEntries(ctx context.Context, req transporthttp.AppendEntriesRequest) (transporthttp.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return n.appendRejectLocked(req), nil
	}
	n.observeTermLocked(req.Term)

	// Accept the sender as leader for this term.
	if n.role != RoleFollower {
		n.role = RoleFollower
		n.votesGranted = nil
	}
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	n.resetElectionTimer()

	// Consistency check: our log must hold prev_log_index with the
	// matching term.
	if req.PrevLogIndex > 0 {
		prevTerm, err := n.log.TermAt(req.PrevLogIndex)
		if errors.Is(err, storage.ErrCompacted) {
			// The prev entry is inside our snapshot, hence committed and
			// matching by Log Matching; proceed.
		} else if err != nil || prevTerm != req.PrevLogTerm {
			return n.appendRejectLocked(req), nil
		}
	}

	if len(req.Entries) > 0 {
		if err := n.appendConflictingLocked(req.Entries); err != nil {
			return n.appendRejectLocked(req), nil
		}
	}

	// Commit advance, bounded by what we actually hold.
	if req.LeaderCommit > n.commitIndex {
		lastIdx, _ := n.log.LastIndex()
		newCommit := req.LeaderCommit
		if newCommit > lastIdx {
			newCommit = lastIdx
		}
		if newCommit > n.commitIndex {
			n.commitIndex = newCommit
			n.signalApplier()
		}
	}

	lastIdx, _ := n.log.LastIndex()
	return transporthttp.AppendEntriesResponse{
		Term:        n.currentTerm,
		Success:     true,
		MatchIndex:  lastIdx,
		CommitIndex: n.commitIndex,
		Seq:         req.Seq,
	}, nil
}

// appendConflictingLocked walks the request entries against the local log:
// duplicates are skipped, a term conflict truncates the local suffix, and
// everything new is appended. The log store makes appends and truncations
// durable before returning, so a success reply implies durable entries.
func (n *Node) appendConflictingLocked(entries []storage.LogEntry) error {
	firstIdx, _ := n.log.FirstIndex()
	lastIdx, _ := n.log.LastIndex()

	for i, entry := range entries {
		if entry.Index < firstIdx {
			// Covered by our snapshot; already committed and identical.
			continue
		}
		if entry.Index <= lastIdx {
			existingTerm, err := n.log.TermAt(entry.Index)
			if err == nil && existingTerm == entry.Term {
				continue
			}
			// Conflict: replace the local suffix with the leader's.
			if entry.Index <= n.commitIndex {
				n.invariantf("append conflict at committed index %d (commit %d)", entry.Index, n.commitIndex)
				return ErrInvariantViolation
			}
			if err := n.log.DeleteFrom(entry.Index); err != nil {
				return err
			}
			return n.log.Append(entries[i:])
		}
		return n.log.Append(entries[i:])
	}
	return nil
}

// appendRejectLocked builds a rejection carrying our last index as a
// backoff hint for the leader.
func (n *Node) appendRejectLocked(req transporthttp.AppendEntriesRequest) transporthttp.AppendEntriesResponse {
	lastIdx, _ := n.log.LastIndex()
	return transporthttp.AppendEntriesResponse{
		Term:        n.currentTerm,
		Success:     false,
		MatchIndex:  lastIdx,
		CommitIndex: n.commitIndex,
		Seq:         req.Seq,
	}
}

// HandleInstallSnapshot handles an incoming InstallSnapshot RPC. Chunks
// arrive in offset order; the snapshot applies on the final chunk.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req transporthttp.InstallSnapshotRequest) (transporthttp.InstallSnapshotResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm}, nil
	}
	n.observeTermLocked(req.Term)

	if n.role != RoleFollower {
		n.role = RoleFollower
		n.votesGranted = nil
	}
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	n.resetElectionTimer()

	if req.Offset == 0 {
		n.incoming = &incomingSnapshot{
			lastIncludedIndex: req.LastIncludedIndex,
			lastIncludedTerm:  req.LastIncludedTerm,
			configuration:     req.Configuration,
		}
	}
	if n.incoming == nil ||
		n.incoming.lastIncludedIndex != req.LastIncludedIndex ||
		n.incoming.lastIncludedTerm != req.LastIncludedTerm ||
		uint64(len(n.incoming.data)) != req.Offset {
		// Out-of-order or mismatched chunk; drop the partial transfer and
		// let the leader restart it.
		n.incoming = nil
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm}, nil
	}
	n.incoming.data = append(n.incoming.data, req.Data...)

	if !req.Done {
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm}, nil
	}

	snap := storage.Snapshot{
		Meta: storage.SnapshotMeta{
			LastIncludedIndex: n.incoming.lastIncludedIndex,
			LastIncludedTerm:  n.incoming.lastIncludedTerm,
			Configuration:     n.incoming.configuration,
		},
		Data: n.incoming.data,
	}
	n.incoming = nil

	if err := n.installSnapshotLocked(snap); err != nil {
		n.invariantf("install snapshot at %d: %v", snap.Meta.LastIncludedIndex, err)
		return transporthttp.InstallSnapshotResponse{Term: n.currentTerm}, err
	}
	return transporthttp.InstallSnapshotResponse{Term: n.currentTerm}, nil
}

// incomingSnapshot assembles chunked InstallSnapshot data.
type incomingSnapshot struct {
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	configuration     []types.NodeID
	data              []byte
}
