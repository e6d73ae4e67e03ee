package raft

import "errors"

var (
	// ErrNotLeader is returned for proposals on a non-leader node. The
	// caller can ask the node for a leader hint.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrShuttingDown is returned when the node is stopping.
	ErrShuttingDown = errors.New("raft: shutting down")

	// ErrProposalOverwritten is returned when a pending proposal's entry
	// was truncated by a new leader before committing.
	ErrProposalOverwritten = errors.New("raft: proposal overwritten by new leader")

	// ErrInvariantViolation marks a fatal consistency violation; the node
	// stops and must be restarted from persistent state.
	ErrInvariantViolation = errors.New("raft: invariant violation")
)
