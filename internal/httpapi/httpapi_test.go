package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/raftkv/internal/distributedkv"
	"github.com/quorumlabs/raftkv/internal/kvsm"
	"github.com/quorumlabs/raftkv/internal/types"
)

// localNode applies proposals directly to the state machine.
type localNode struct {
	sm     *kvsm.KVStateMachine
	leader bool
}

func (n *localNode) Propose(_ context.Context, payload []byte) ([]byte, error) {
	return n.sm.Apply(payload), nil
}

func (n *localNode) IsLeader() bool { return n.leader }

func (n *localNode) LeaderHint() types.LeaderHint {
	return types.LeaderHint{LeaderID: "n1", LeaderAddr: "http://leader:8080"}
}

func (n *localNode) Status() types.NodeStatus {
	return types.NodeStatus{ID: "n1", Role: "leader", Term: 2, CommitIndex: 4}
}

func newTestServer(t *testing.T, leader bool) (*httptest.Server, *kvsm.KVStateMachine) {
	t.Helper()
	sm := kvsm.New()
	dkv := distributedkv.New(&localNode{sm: sm, leader: leader}, sm)
	ts := httptest.NewServer(New(dkv).Handler())
	t.Cleanup(ts.Close)
	return ts, sm
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestPutGetDelete(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/kv/greeting", map[string]interface{}{"value": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/kv/greeting", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", body["value"])

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/kv/greeting", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/kv/greeting", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["err_code"])
}

func TestCASEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/kv/counter/cas", map[string]interface{}{
		"expected": "", "value": "1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/kv/counter/cas", map[string]interface{}{
		"expected": "0", "value": "2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "cas_failed", body["err_code"])
}

func TestBatchEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/kv/mput", map[string]interface{}{
		"entries": []map[string]string{
			{"key": "a", "value": "1"},
			{"key": "b", "value": "2"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/kv/mget", map[string]interface{}{
		"keys": []string{"a", "b", "missing"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	values := body["values"].(map[string]interface{})
	require.Equal(t, "1", values["a"])
	require.Equal(t, "2", values["b"])
	require.NotContains(t, values, "missing")

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/kv/mdelete", map[string]interface{}{
		"keys": []string{"a", "b"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWritesRedirectOffLeader(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/kv/a", map[string]interface{}{"value": "1"})
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	require.Equal(t, "not_leader", body["error"])
	hint := body["leader_hint"].(map[string]interface{})
	require.Equal(t, "http://leader:8080", hint["leader_addr"])
}

func TestStatusAndHealth(t *testing.T) {
	ts, _ := newTestServer(t, true)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "leader", body["role"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestDedupeAcrossRetries(t *testing.T) {
	ts, sm := newTestServer(t, true)

	payload := map[string]interface{}{"client_id": "c1", "seq": 1, "value": "v1"}
	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/kv/a", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same client and sequence: replayed, not re-applied.
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/kv/a", map[string]interface{}{
		"client_id": "c1", "seq": 1, "value": "v2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, _ := sm.Get("a")
	require.Equal(t, "v1", v)
}
