package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quorumlabs/raftkv/internal/types"
)

// File-backed stores. Each store rewrites its file on mutation and fsyncs
// before returning, so a write that returned success survives a crash.
// Metadata and snapshots go through a temp file + rename for atomicity.

const (
	metaFileName     = "meta.dat"
	logFileName      = "log.dat"
	snapshotFileName = "snapshot.dat"
)

// FileStableStore persists current term and vote in a single small file.
//
// File format:
//
//	[0..7]   currentTerm (uint64)
//	[8]      hasVote (1 byte)
//	[9..12]  votedFor length (uint32)
//	[13..]   votedFor bytes
type FileStableStore struct {
	mu       sync.Mutex
	path     string
	term     uint64
	votedFor types.NodeID
	hasVote  bool
}

func NewFileStableStore(dir string) (*FileStableStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileStableStore{path: filepath.Join(dir, metaFileName)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStableStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) < 13 {
		return fmt.Errorf("stable store %s: short file (%d bytes)", s.path, len(data))
	}
	s.term = binary.BigEndian.Uint64(data[0:8])
	s.hasVote = data[8] == 1
	n := binary.BigEndian.Uint32(data[9:13])
	if uint32(len(data)-13) < n {
		return fmt.Errorf("stable store %s: truncated vote field", s.path)
	}
	s.votedFor = types.NodeID(data[13 : 13+n])
	return nil
}

func (s *FileStableStore) persist() error {
	buf := make([]byte, 13+len(s.votedFor))
	binary.BigEndian.PutUint64(buf[0:8], s.term)
	if s.hasVote {
		buf[8] = 1
	}
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(s.votedFor)))
	copy(buf[13:], s.votedFor)
	return atomicWrite(s.path, buf)
}

func (s *FileStableStore) GetCurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *FileStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return s.persist()
}

func (s *FileStableStore) GetVotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, s.hasVote, nil
}

func (s *FileStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	s.hasVote = true
	return s.persist()
}

func (s *FileStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = ""
	s.hasVote = false
	return s.persist()
}

// FileLogStore persists the log in a single file, rewritten on every
// mutation. Fine for the log sizes this engine keeps after compaction.
//
// File format:
//
//	[0..7]    markIndex (uint64)
//	[8..15]   markTerm (uint64)
//	[16..23]  entry count (uint64)
//	then per entry:
//	[0..7]    index (uint64)
//	[8..15]   term (uint64)
//	[16..23]  payload length (uint64)
//	[24..]    payload bytes
type FileLogStore struct {
	mu   sync.Mutex
	path string
	mem  *MemLogStore
}

func NewFileLogStore(dir string) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &FileLogStore{
		path: filepath.Join(dir, logFileName),
		mem:  NewMemLogStore(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileLogStore) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, 24)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("log store %s: read header: %w", s.path, err)
	}
	markIndex := binary.BigEndian.Uint64(header[0:8])
	markTerm := binary.BigEndian.Uint64(header[8:16])
	count := binary.BigEndian.Uint64(header[16:24])

	s.mem.markIndex = markIndex
	s.mem.markTerm = markTerm
	for i := uint64(0); i < count; i++ {
		entryHeader := make([]byte, 24)
		if _, err := io.ReadFull(f, entryHeader); err != nil {
			return fmt.Errorf("log store %s: read entry %d header: %w", s.path, i, err)
		}
		e := LogEntry{
			Index: binary.BigEndian.Uint64(entryHeader[0:8]),
			Term:  binary.BigEndian.Uint64(entryHeader[8:16]),
		}
		payloadLen := binary.BigEndian.Uint64(entryHeader[16:24])
		e.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(f, e.Payload); err != nil {
			return fmt.Errorf("log store %s: read entry %d payload: %w", s.path, i, err)
		}
		s.mem.entries = append(s.mem.entries, e)
	}
	return nil
}

func (s *FileLogStore) persist() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, 24)
	binary.BigEndian.PutUint64(header[0:8], s.mem.markIndex)
	binary.BigEndian.PutUint64(header[8:16], s.mem.markTerm)
	binary.BigEndian.PutUint64(header[16:24], uint64(len(s.mem.entries)))
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("log store %s: write header: %w", s.path, err)
	}

	for i, e := range s.mem.entries {
		entryHeader := make([]byte, 24)
		binary.BigEndian.PutUint64(entryHeader[0:8], e.Index)
		binary.BigEndian.PutUint64(entryHeader[8:16], e.Term)
		binary.BigEndian.PutUint64(entryHeader[16:24], uint64(len(e.Payload)))
		if _, err := f.Write(entryHeader); err != nil {
			return fmt.Errorf("log store %s: write entry %d: %w", s.path, i, err)
		}
		if _, err := f.Write(e.Payload); err != nil {
			return fmt.Errorf("log store %s: write entry %d payload: %w", s.path, i, err)
		}
	}
	return f.Sync()
}

func (s *FileLogStore) FirstIndex() (uint64, error) { return s.mem.FirstIndex() }
func (s *FileLogStore) LastIndex() (uint64, error)  { return s.mem.LastIndex() }
func (s *FileLogStore) LastTerm() (uint64, error)   { return s.mem.LastTerm() }

func (s *FileLogStore) TermAt(index uint64) (uint64, error) { return s.mem.TermAt(index) }
func (s *FileLogStore) Get(index uint64) (LogEntry, error)  { return s.mem.Get(index) }

func (s *FileLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	return s.mem.ReadRange(lo, hi)
}

func (s *FileLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Append(entries); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileLogStore) DeleteFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.DeleteFrom(index); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileLogStore) SetSnapshotMark(index, term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.SetSnapshotMark(index, term); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileLogStore) SnapshotMark() (uint64, uint64, error) { return s.mem.SnapshotMark() }

// FileSnapshotStore keeps the latest snapshot in a single file.
//
// File format: [0..7] meta length (uint64), then JSON-encoded SnapshotMeta,
// then the raw state machine bytes.
type FileSnapshotStore struct {
	mu   sync.Mutex
	path string
}

func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshotStore{path: filepath.Join(dir, snapshotFileName)}, nil
}

func (s *FileSnapshotStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaBytes, err := json.Marshal(snap.Meta)
	if err != nil {
		return err
	}
	buf := make([]byte, 8+len(metaBytes)+len(snap.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(metaBytes)))
	copy(buf[8:], metaBytes)
	copy(buf[8+len(metaBytes):], snap.Data)
	return atomicWrite(s.path, buf)
}

func (s *FileSnapshotStore) Load() (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(data) < 8 {
		return Snapshot{}, false, fmt.Errorf("snapshot store %s: short file", s.path)
	}
	metaLen := binary.BigEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < metaLen {
		return Snapshot{}, false, fmt.Errorf("snapshot store %s: truncated metadata", s.path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data[8:8+metaLen], &snap.Meta); err != nil {
		return Snapshot{}, false, err
	}
	snap.Data = data[8+metaLen:]
	return snap, true, nil
}

// atomicWrite writes data to a temp file in the same directory, fsyncs it,
// and renames it over path.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
