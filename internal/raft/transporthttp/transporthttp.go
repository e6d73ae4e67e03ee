package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quorumlabs/raftkv/internal/raft/storage"
	"github.com/quorumlabs/raftkv/internal/types"
)

// --- RPC DTOs ---

type RequestVoteRequest struct {
	Term         uint64       `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex uint64       `json:"last_log_index"`
	LastLogTerm  uint64       `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesRequest struct {
	Term         uint64             `json:"term"`
	LeaderID     types.NodeID       `json:"leader_id"`
	LeaderAddr   string             `json:"leader_addr"`
	PrevLogIndex uint64             `json:"prev_log_index"`
	PrevLogTerm  uint64             `json:"prev_log_term"`
	Entries      []storage.LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64             `json:"leader_commit"`
	// Seq orders responses per peer when pipelining is enabled.
	Seq uint64 `json:"seq,omitempty"`
}

func (r AppendEntriesRequest) IsHeartbeat() bool { return len(r.Entries) == 0 }

type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// MatchIndex is the follower's last log index; on rejection it serves
	// as a backoff hint for the leader.
	MatchIndex  uint64 `json:"match_index"`
	CommitIndex uint64 `json:"commit_index"`
	Seq         uint64 `json:"seq,omitempty"`
}

type InstallSnapshotRequest struct {
	Term              uint64       `json:"term"`
	LeaderID          types.NodeID `json:"leader_id"`
	LeaderAddr        string       `json:"leader_addr"`
	LastIncludedIndex uint64       `json:"last_included_index"`
	LastIncludedTerm  uint64       `json:"last_included_term"`
	Configuration     []types.NodeID `json:"configuration,omitempty"`
	Offset            uint64       `json:"offset"`
	Data              []byte       `json:"data"`
	Done              bool         `json:"done"`
}

type InstallSnapshotResponse struct {
	Term uint64 `json:"term"`
}

// --- Interfaces ---

// RaftRPCHandler is implemented by the Raft node to handle incoming RPCs.
type RaftRPCHandler interface {
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}

// Transport is the interface the Raft node uses to send RPCs. Delivery is
// best-effort; the protocol tolerates drops, delays and reordering.
type Transport interface {
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, to types.NodeID, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}

// --- PeerResolver ---

// PeerResolver maps NodeID to network address.
type PeerResolver struct {
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}

// --- HTTPTransport (client) ---

type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := t.post(ctx, to, "/raft/request_vote", req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := t.post(ctx, to, "/raft/append_entries", req, &resp)
	return resp, err
}

func (t *HTTPTransport) InstallSnapshot(ctx context.Context, to types.NodeID, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	var resp InstallSnapshotResponse
	err := t.post(ctx, to, "/raft/install_snapshot", req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, req, resp interface{}) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s to %s returned %d", path, to, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// --- RaftHTTPServer (server mux) ---

type RaftHTTPServer struct {
	handler RaftRPCHandler
}

func NewRaftHTTPServer(handler RaftRPCHandler) *RaftHTTPServer {
	return &RaftHTTPServer{handler: handler}
}

func (s *RaftHTTPServer) Handler() http.Handler {
	post := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/raft/request_vote", post(s.handleRequestVote))
	mux.HandleFunc("/raft/append_entries", post(s.handleAppendEntries))
	mux.HandleFunc("/raft/install_snapshot", post(s.handleInstallSnapshot))
	return mux
}

func (s *RaftHTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if !decodeRPC(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleRequestVote(r.Context(), req)
	writeRPC(w, resp, err)
}

func (s *RaftHTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if !decodeRPC(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleAppendEntries(r.Context(), req)
	writeRPC(w, resp, err)
}

func (s *RaftHTTPServer) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	var req InstallSnapshotRequest
	if !decodeRPC(w, r, &req) {
		return
	}
	resp, err := s.handler.HandleInstallSnapshot(r.Context(), req)
	writeRPC(w, resp, err)
}

func decodeRPC(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad JSON"})
		return false
	}
	return true
}

func writeRPC(w http.ResponseWriter, resp interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(resp)
}
