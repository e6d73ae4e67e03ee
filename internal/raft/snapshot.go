package raft

import (
	"context"

	"github.com/quorumlabs/raftkv/internal/raft/storage"
	"github.com/quorumlabs/raftkv/internal/raft/transporthttp"
	"github.com/quorumlabs/raftkv/internal/types"
)

// maybeTakeSnapshot snapshots the state machine once the log has grown
// past the configured threshold. Runs on the applier goroutine, which is
// the only state machine mutator, so the captured state is exactly the
// state at lastApplied.
func (n *Node) maybeTakeSnapshot() {
	if n.cfg.SnapshotThreshold == 0 {
		return
	}

	n.mu.Lock()
	firstIdx, err := n.log.FirstIndex()
	if err != nil {
		n.mu.Unlock()
		return
	}
	if n.lastApplied < firstIdx || n.lastApplied-firstIdx < n.cfg.SnapshotThreshold {
		n.mu.Unlock()
		return
	}
	idx := n.lastApplied
	term, err := n.log.TermAt(idx)
	if err != nil {
		n.mu.Unlock()
		n.invariantf("term of applied index %d: %v", idx, err)
		return
	}
	configuration := append([]types.NodeID{n.cfg.ID}, n.cfg.Peers...)
	n.mu.Unlock()

	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Printf("[%s] snapshot at %d failed: %v", n.cfg.ID, idx, err)
		return
	}
	snap := storage.Snapshot{
		Meta: storage.SnapshotMeta{
			LastIncludedIndex: idx,
			LastIncludedTerm:  term,
			Configuration:     configuration,
		},
		Data: data,
	}
	// The snapshot must be durable before any covered entry is dropped.
	if err := n.snaps.Save(snap); err != nil {
		n.logger.Printf("[%s] persist snapshot at %d failed: %v", n.cfg.ID, idx, err)
		return
	}

	// Compact, keeping trailing entries so lagging followers can catch up
	// from the log instead of a full snapshot transfer.
	n.mu.Lock()
	defer n.mu.Unlock()
	if idx <= n.cfg.SnapshotTrailingLogs {
		return
	}
	compactIdx := idx - n.cfg.SnapshotTrailingLogs
	markIdx, _, err := n.log.SnapshotMark()
	if err != nil || compactIdx <= markIdx {
		return
	}
	compactTerm, err := n.log.TermAt(compactIdx)
	if err != nil {
		return
	}
	if err := n.log.SetSnapshotMark(compactIdx, compactTerm); err != nil {
		n.logger.Printf("[%s] compact through %d failed: %v", n.cfg.ID, compactIdx, err)
		return
	}
	n.logger.Printf("[%s] snapshot at index %d term %d, log compacted through %d", n.cfg.ID, idx, term, compactIdx)
}

// installSnapshotLocked applies a complete received snapshot: persist it,
// reset the log around its boundary, restore the state machine, and move
// commit/applied up to the boundary.
func (n *Node) installSnapshotLocked(snap storage.Snapshot) error {
	idx := snap.Meta.LastIncludedIndex
	term := snap.Meta.LastIncludedTerm

	// A snapshot below what we already applied adds nothing.
	if idx <= n.lastApplied {
		return nil
	}

	if err := n.snaps.Save(snap); err != nil {
		return err
	}

	// If our log holds a matching entry at the boundary the suffix beyond
	// it is still valid; otherwise the whole log is superseded.
	existingTerm, err := n.log.TermAt(idx)
	if err != nil || existingTerm != term {
		firstIdx, _ := n.log.FirstIndex()
		lastIdx, _ := n.log.LastIndex()
		if lastIdx >= firstIdx {
			if err := n.log.DeleteFrom(firstIdx); err != nil {
				return err
			}
		}
	}
	if err := n.log.SetSnapshotMark(idx, term); err != nil {
		return err
	}

	if err := n.sm.Restore(snap.Data); err != nil {
		return err
	}
	if idx > n.commitIndex {
		n.commitIndex = idx
	}
	n.lastApplied = idx
	n.logger.Printf("[%s] installed snapshot at index %d term %d", n.cfg.ID, idx, term)
	return nil
}

// sendSnapshot streams the latest snapshot to a peer whose next entry was
// compacted away, then resumes normal replication past the boundary.
func (n *Node) sendSnapshot(peer types.NodeID, term uint64) {
	if n.tp == nil {
		return
	}
	snap, ok, err := n.snaps.Load()
	if err != nil || !ok {
		return
	}
	meta := snap.Meta

	offset := uint64(0)
	for {
		end := offset + uint64(n.cfg.SnapshotChunkBytes)
		if end > uint64(len(snap.Data)) {
			end = uint64(len(snap.Data))
		}
		req := transporthttp.InstallSnapshotRequest{
			Term:              term,
			LeaderID:          n.cfg.ID,
			LeaderAddr:        n.cfg.Addr,
			LastIncludedIndex: meta.LastIncludedIndex,
			LastIncludedTerm:  meta.LastIncludedTerm,
			Configuration:     meta.Configuration,
			Offset:            offset,
			Data:              snap.Data[offset:end],
			Done:              end == uint64(len(snap.Data)),
		}

		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ElectionTimeoutMin)
		resp, err := n.tp.InstallSnapshot(ctx, peer, req)
		cancel()
		if err != nil {
			return
		}
		n.mu.Lock()
		if resp.Term > n.currentTerm {
			n.stepDownLocked(resp.Term)
			n.mu.Unlock()
			return
		}
		if n.role != RoleLeader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		if req.Done {
			break
		}
		offset = end
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.currentTerm != term {
		return
	}
	if meta.LastIncludedIndex > n.matchIndex[peer] {
		n.matchIndex[peer] = meta.LastIncludedIndex
	}
	if meta.LastIncludedIndex+1 > n.nextIndex[peer] {
		n.nextIndex[peer] = meta.LastIncludedIndex + 1
	}
	n.logger.Printf("[%s] sent snapshot through index %d to %s", n.cfg.ID, meta.LastIncludedIndex, peer)
}
