package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/quorumlabs/raftkv/internal/distributedkv"
	"github.com/quorumlabs/raftkv/internal/types"
)

// Server serves the HTTP API backed by a DistributedKV.
type Server struct {
	dkv *distributedkv.DistributedKV
}

// New creates a new HTTP API server.
func New(dkv *distributedkv.DistributedKV) *Server {
	return &Server{dkv: dkv}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/kv", s.ListKeys)
	r.Get("/kv/{key}", s.GetKey)
	r.Put("/kv/{key}", s.PutKey)
	r.Delete("/kv/{key}", s.DeleteKey)
	r.Post("/kv/{key}/cas", s.CASKey)
	r.Post("/kv/mget", s.MGet)
	r.Post("/kv/mput", s.MPut)
	r.Post("/kv/mdelete", s.MDelete)
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dkv.Status())
}

func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "data": s.dkv.All()})
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok := s.dkv.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "value": v})
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: clientID(body.ClientID),
		Seq:      body.Seq,
		Key:      key,
		Value:    body.Value,
	}
	s.respond(w, r, func() (types.ApplyResult, error) {
		return s.dkv.Put(r.Context(), cmd)
	})
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
	}
	_ = decodeJSON(r, &body)
	cmd := types.Command{
		ClientID: clientID(body.ClientID),
		Seq:      body.Seq,
		Key:      key,
	}
	s.respond(w, r, func() (types.ApplyResult, error) {
		return s.dkv.Delete(r.Context(), cmd)
	})
}

func (s *Server) CASKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	key := chi.URLParam(r, "key")
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Expected string `json:"expected"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: clientID(body.ClientID),
		Seq:      body.Seq,
		Key:      key,
		Expected: body.Expected,
		Value:    body.Value,
	}
	s.respond(w, r, func() (types.ApplyResult, error) {
		return s.dkv.CAS(r.Context(), cmd)
	})
}

func (s *Server) MGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if len(body.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "keys is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "values": s.dkv.MGet(body.Keys)})
}

func (s *Server) MPut(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string        `json:"client_id"`
		Seq      uint64        `json:"seq"`
		Entries  []types.Entry `json:"entries"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: clientID(body.ClientID),
		Seq:      body.Seq,
		Entries:  body.Entries,
	}
	s.respond(w, r, func() (types.ApplyResult, error) {
		return s.dkv.MPut(r.Context(), cmd)
	})
}

func (s *Server) MDelete(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string   `json:"client_id"`
		Seq      uint64   `json:"seq"`
		Keys     []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: clientID(body.ClientID),
		Seq:      body.Seq,
		Keys:     body.Keys,
	}
	s.respond(w, r, func() (types.ApplyResult, error) {
		return s.dkv.MDelete(r.Context(), cmd)
	})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, op func() (types.ApplyResult, error)) {
	res, err := op()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !res.Ok {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// redirectIfNotLeader returns 307 with a leader hint if this node is not
// the leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.dkv.IsLeader() {
		return false
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]interface{}{
		"error":       "not_leader",
		"leader_hint": s.dkv.LeaderHint(),
	})
	return true
}

// clientID fills in a fresh id for callers that don't manage their own
// retry identity. Such requests get no dedup protection across retries.
func clientID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ApplyResult{Ok: false, ErrCode: code, ErrMsg: msg})
}
