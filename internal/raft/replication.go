package raft

import (
	"context"
	"errors"
	"time"

	"github.com/quorumlabs/raftkv/internal/raft/storage"
	"github.com/quorumlabs/raftkv/internal/raft/transporthttp"
	"github.com/quorumlabs/raftkv/internal/types"
)

// heartbeatLoop kicks every replicator each heartbeat interval, starting
// immediately so a fresh leader announces itself at once.
func (n *Node) heartbeatLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	n.kickReplicators()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			isLeader := n.role == RoleLeader
			n.mu.Unlock()
			if !isLeader {
				return
			}
			n.kickReplicators()
		}
	}
}

func (n *Node) kickReplicators() {
	n.mu.Lock()
	n.kickReplicatorsLocked()
	n.mu.Unlock()
}

func (n *Node) kickReplicatorsLocked() {
	for _, ch := range n.replicateKick {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// replicatorLoop owns all AppendEntries / InstallSnapshot traffic to one
// peer for the lifetime of a leadership term. Heartbeats and entry
// replication share the same path, so every send carries the per-peer
// consistency check.
func (n *Node) replicatorLoop(peer types.NodeID, term uint64, stopCh chan struct{}, kickCh chan struct{}) {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-stopCh:
			return
		case <-kickCh:
		}
		for n.replicate(peer, term) {
			select {
			case <-n.ctx.Done():
				return
			case <-stopCh:
				return
			default:
			}
		}
	}
}

// replicate sends one AppendEntries (or falls back to InstallSnapshot) to
// the peer. It returns true when the peer still lags and another round
// should follow immediately.
func (n *Node) replicate(peer types.NodeID, term uint64) bool {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return false
	}

	next := n.nextIndex[peer]
	firstIdx, err := n.log.FirstIndex()
	if err != nil {
		n.mu.Unlock()
		return false
	}
	if next < firstIdx {
		// The entries this peer needs are compacted away.
		n.mu.Unlock()
		n.sendSnapshot(peer, term)
		return false
	}

	prevIdx := next - 1
	var prevTerm uint64
	if prevIdx > 0 {
		prevTerm, err = n.log.TermAt(prevIdx)
		if errors.Is(err, storage.ErrCompacted) {
			n.mu.Unlock()
			n.sendSnapshot(peer, term)
			return false
		}
		if err != nil {
			n.mu.Unlock()
			return false
		}
	}

	lastIdx, _ := n.log.LastIndex()
	var entries []storage.LogEntry
	if next <= lastIdx {
		hi := lastIdx
		if limit := next + uint64(n.cfg.MaxAppendEntries) - 1; hi > limit {
			hi = limit
		}
		entries, err = n.log.ReadRange(next, hi)
		if err != nil {
			n.mu.Unlock()
			return false
		}
		entries = capEntryBytes(entries, n.cfg.MaxAppendBytes)
	}

	n.peerSeq[peer]++
	req := transporthttp.AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.cfg.ID,
		LeaderAddr:   n.cfg.Addr,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
		Seq:          n.peerSeq[peer],
	}

	pipelined := n.cfg.EnablePipelining && len(entries) > 0
	moreAfterSend := prevIdx+uint64(len(entries)) < lastIdx
	if pipelined {
		// Optimistically advance so the next in-flight batch starts past
		// this one; a rejection walks it back via the hint.
		n.nextIndex[peer] = prevIdx + uint64(len(entries)) + 1
	}
	n.mu.Unlock()

	if n.tp == nil {
		return false
	}

	send := func() bool {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ElectionTimeoutMin)
		defer cancel()
		resp, err := n.tp.AppendEntries(ctx, peer, req)
		if err != nil {
			return false
		}
		return n.handleAppendResponse(peer, term, req, resp)
	}

	if pipelined {
		go send()
		return moreAfterSend && n.inflightBelowCap(peer)
	}
	return send()
}

// inflightBelowCap bounds how far ahead the pipelined sender may run.
func (n *Node) inflightBelowCap(peer types.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peerSeq[peer]-n.peerAcked[peer] < uint64(n.cfg.MaxInflightAppends)
}

// handleAppendResponse applies one AppendEntries response. Responses are
// tagged with the request sequence; anything at or below the last applied
// sequence is stale (reordered or superseded) and dropped, so matchIndex
// never regresses and nextIndex only follows the latest acknowledged
// prefix. Returns true when the peer still has entries outstanding.
func (n *Node) handleAppendResponse(peer types.NodeID, term uint64, req transporthttp.AppendEntriesRequest, resp transporthttp.AppendEntriesResponse) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleLeader || n.currentTerm != term {
		return false
	}
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return false
	}
	if req.Seq <= n.peerAcked[peer] {
		return false
	}
	n.peerAcked[peer] = req.Seq

	if resp.Success {
		newMatch := req.PrevLogIndex + uint64(len(req.Entries))
		if newMatch > n.matchIndex[peer] {
			n.matchIndex[peer] = newMatch
		}
		if n.matchIndex[peer]+1 > n.nextIndex[peer] {
			n.nextIndex[peer] = n.matchIndex[peer] + 1
		}
		n.advanceCommitIndexLocked()
		lastIdx, _ := n.log.LastIndex()
		return n.nextIndex[peer] <= lastIdx
	}

	// Rejected: back off. The follower's hinted match index accelerates
	// convergence; the floor keeps progress guaranteed.
	next := n.nextIndex[peer] - 1
	if hint := resp.MatchIndex + 1; hint < next {
		next = hint
	}
	if next < 1 {
		next = 1
	}
	if next <= n.matchIndex[peer] {
		next = n.matchIndex[peer] + 1
	}
	n.nextIndex[peer] = next
	return true
}

// advanceCommitIndexLocked finds the largest N > commitIndex replicated on
// a quorum with term(N) == currentTerm. Entries from earlier terms are
// never committed by replication count alone; they commit implicitly when
// a current-term entry above them does.
func (n *Node) advanceCommitIndexLocked() {
	if n.role != RoleLeader {
		return
	}

	lastIdx, _ := n.log.LastIndex()
	for idx := lastIdx; idx > n.commitIndex; idx-- {
		entryTerm, err := n.log.TermAt(idx)
		if err != nil {
			return
		}
		if entryTerm < n.currentTerm {
			// Term monotonicity: everything below is older still.
			return
		}
		if entryTerm > n.currentTerm {
			n.invariantf("log entry %d has term %d beyond current term %d", idx, entryTerm, n.currentTerm)
			return
		}

		count := 1 // self: the leader's log always holds idx
		for _, p := range n.cfg.Peers {
			if n.matchIndex[p] >= idx {
				count++
			}
		}
		if count >= n.cfg.quorum() {
			n.commitIndex = idx
			n.signalApplier()
			// Propagate the new commit index promptly.
			n.kickReplicatorsLocked()
			return
		}
	}
}

// capEntryBytes trims the batch so summed payload sizes stay within limit,
// always keeping at least one entry.
func capEntryBytes(entries []storage.LogEntry, limit int) []storage.LogEntry {
	if limit <= 0 || len(entries) == 0 {
		return entries
	}
	total := 0
	for i, e := range entries {
		total += len(e.Payload)
		if total > limit && i > 0 {
			return entries[:i]
		}
	}
	return entries
}
