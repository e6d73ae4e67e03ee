package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quorumlabs/raftkv/internal/types"
)

var (
	// ErrCompacted is returned when the requested index is covered by a snapshot.
	ErrCompacted = errors.New("storage: index compacted into snapshot")

	// ErrOutOfRange is returned when the requested index is beyond the log.
	ErrOutOfRange = errors.New("storage: index out of range")
)

// LogEntry is a single entry in the Raft log. Payload is opaque to the log
// and to the consensus engine; only the state machine interprets it.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

// SnapshotMeta holds metadata about a snapshot.
type SnapshotMeta struct {
	LastIncludedIndex uint64         `json:"last_included_index"`
	LastIncludedTerm  uint64         `json:"last_included_term"`
	Configuration     []types.NodeID `json:"configuration,omitempty"`
}

// Snapshot is a serialized state machine plus its metadata.
type Snapshot struct {
	Meta SnapshotMeta `json:"meta"`
	Data []byte       `json:"data"`
}

// --- Interfaces ---

// StableStore persists Raft durable metadata (term, vote). Writes must be
// durable before returning.
type StableStore interface {
	GetCurrentTerm() (uint64, error)
	SetCurrentTerm(uint64) error
	GetVotedFor() (types.NodeID, bool, error)
	SetVotedFor(types.NodeID) error
	ClearVotedFor() error
}

// LogStore persists the Raft log. Indices form the contiguous range
// [FirstIndex, LastIndex]; FirstIndex is one past the snapshot boundary.
// Append and DeleteFrom must be durable before returning.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	LastTerm() (uint64, error)
	// TermAt returns the term of the entry at index. The snapshot boundary
	// index itself resolves to the boundary term; indices below it return
	// ErrCompacted, indices beyond the log return ErrOutOfRange.
	TermAt(index uint64) (uint64, error)
	Get(index uint64) (LogEntry, error)
	// ReadRange returns entries in the inclusive range [lo, hi].
	ReadRange(lo, hi uint64) ([]LogEntry, error)
	Append(entries []LogEntry) error
	// DeleteFrom removes the suffix starting at index.
	DeleteFrom(index uint64) error
	// SetSnapshotMark moves the compaction boundary to (index, term) and
	// drops all entries at or below index. Entries above it are retained.
	SetSnapshotMark(index, term uint64) error
	SnapshotMark() (index, term uint64, err error)
}

// SnapshotStore persists snapshots. Save must complete durably before the
// caller compacts the log it covers.
type SnapshotStore interface {
	Save(snap Snapshot) error
	Load() (snap Snapshot, ok bool, err error)
}

// --- Memory implementations ---

// MemStableStore is an in-memory StableStore for tests.
type MemStableStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor types.NodeID
	hasVote  bool
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemStableStore) GetVotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, s.hasVote, nil
}

func (s *MemStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	s.hasVote = true
	return nil
}

func (s *MemStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = ""
	s.hasVote = false
	return nil
}

// MemLogStore is an in-memory LogStore. Entries are held in a slice offset
// by the snapshot mark.
type MemLogStore struct {
	mu        sync.Mutex
	markIndex uint64
	markTerm  uint64
	entries   []LogEntry // entries[0] has index markIndex+1
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{}
}

func (s *MemLogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markIndex + 1, nil
}

func (s *MemLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markIndex + uint64(len(s.entries)), nil
}

func (s *MemLogStore) LastTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return s.markTerm, nil
	}
	return s.entries[len(s.entries)-1].Term, nil
}

func (s *MemLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termAtLocked(index)
}

func (s *MemLogStore) termAtLocked(index uint64) (uint64, error) {
	if index == s.markIndex {
		return s.markTerm, nil
	}
	if index < s.markIndex {
		return 0, ErrCompacted
	}
	pos := index - s.markIndex - 1
	if pos >= uint64(len(s.entries)) {
		return 0, fmt.Errorf("%w: index %d, last %d", ErrOutOfRange, index, s.markIndex+uint64(len(s.entries)))
	}
	return s.entries[pos].Term, nil
}

func (s *MemLogStore) Get(index uint64) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.markIndex {
		return LogEntry{}, ErrCompacted
	}
	pos := index - s.markIndex - 1
	if pos >= uint64(len(s.entries)) {
		return LogEntry{}, fmt.Errorf("%w: index %d", ErrOutOfRange, index)
	}
	return s.entries[pos], nil
}

func (s *MemLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lo <= s.markIndex {
		return nil, ErrCompacted
	}
	last := s.markIndex + uint64(len(s.entries))
	if lo > hi || hi > last {
		return nil, fmt.Errorf("%w: range [%d, %d], log [%d, %d]", ErrOutOfRange, lo, hi, s.markIndex+1, last)
	}
	start := lo - s.markIndex - 1
	end := hi - s.markIndex // exclusive
	result := make([]LogEntry, end-start)
	copy(result, s.entries[start:end])
	return result, nil
}

func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.markIndex {
		return ErrCompacted
	}
	pos := index - s.markIndex - 1
	if pos > uint64(len(s.entries)) {
		return fmt.Errorf("%w: index %d", ErrOutOfRange, index)
	}
	s.entries = s.entries[:pos]
	return nil
}

func (s *MemLogStore) SetSnapshotMark(index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.markIndex {
		return nil
	}
	keepFrom := index - s.markIndex // position of first retained entry
	if keepFrom >= uint64(len(s.entries)) {
		s.entries = nil
	} else {
		retained := make([]LogEntry, uint64(len(s.entries))-keepFrom)
		copy(retained, s.entries[keepFrom:])
		s.entries = retained
	}
	s.markIndex = index
	s.markTerm = term
	return nil
}

func (s *MemLogStore) SnapshotMark() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markIndex, s.markTerm, nil
}

// MemSnapshotStore is an in-memory SnapshotStore for tests.
type MemSnapshotStore struct {
	mu   sync.Mutex
	snap Snapshot
	ok   bool
}

func NewMemSnapshotStore() *MemSnapshotStore {
	return &MemSnapshotStore{}
}

func (s *MemSnapshotStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, len(snap.Data))
	copy(data, snap.Data)
	snap.Data = data
	s.snap = snap
	s.ok = true
	return nil
}

func (s *MemSnapshotStore) Load() (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return Snapshot{}, false, nil
	}
	data := make([]byte, len(s.snap.Data))
	copy(data, s.snap.Data)
	return Snapshot{Meta: s.snap.Meta, Data: data}, true, nil
}
