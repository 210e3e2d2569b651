package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikv/replikv/pkg/raft"
	"github.com/replikv/replikv/pkg/rpc"
)

func newLeaderNode(t *testing.T) *raft.Node {
	t.Helper()

	cfg := raft.DefaultConfig("solo", nil)
	cfg.WALDir = t.TempDir()
	cfg.ElectionTimeoutMin = 50 * time.Millisecond
	cfg.ElectionTimeoutMax = 100 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond

	node, err := raft.Open(cfg, rpc.NewLocalTransport(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(node.Stop)
	node.Start()

	require.Eventually(t, node.IsLeader, 3*time.Second, 10*time.Millisecond)
	return node
}

func newFollowerNode(t *testing.T, id string) *raft.Node {
	t.Helper()

	cfg := raft.DefaultConfig(id, []string{"ghost"})
	cfg.WALDir = t.TempDir()

	node, err := raft.Open(cfg, rpc.NewLocalTransport(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(node.Stop)
	return node
}

func TestPutGetRoundTrip(t *testing.T) {
	node := newLeaderNode(t)
	server := httptest.NewServer(NewHandler(node, zerolog.Nop()))
	defer server.Close()

	body, _ := json.Marshal(map[string]string{"value": "hello"})
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/kv/greeting", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(server.URL + "/kv/greeting")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var out struct {
		Value string `json:"value"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&out))
	assert.Equal(t, "hello", out.Value)
}

func TestGetMissingKey(t *testing.T) {
	node := newLeaderNode(t)
	server := httptest.NewServer(NewHandler(node, zerolog.Nop()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/kv/absent")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWriteToFollowerReturnsLeaderHint(t *testing.T) {
	follower := newFollowerNode(t, "f1")
	// Teach the follower who the leader is.
	follower.HandleAppendEntries(&raft.AppendEntriesArgs{Term: 1, LeaderID: "the-leader"})

	server := httptest.NewServer(NewHandler(follower, zerolog.Nop()))
	defer server.Close()

	body, _ := json.Marshal(map[string]string{"value": "x"})
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/kv/k", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var hint struct {
		Error    string `json:"error"`
		LeaderID string `json:"leader_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hint))
	assert.Equal(t, "not leader", hint.Error)
	assert.Equal(t, "the-leader", hint.LeaderID)
}

func TestStatusAndMetrics(t *testing.T) {
	node := newLeaderNode(t)
	server := httptest.NewServer(NewHandler(node, zerolog.Nop()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status raft.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "solo", status.ID)
	assert.Equal(t, "Leader", status.Role)

	metricsResp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(metricsResp.Body)
	require.NoError(t, err)
	text := buf.String()

	for _, metric := range []string{
		"replikv_role",
		"replikv_current_term",
		"replikv_commit_index",
		"replikv_last_applied",
		"replikv_log_length",
		"replikv_elections_started_total",
		"replikv_replication_failures_total",
	} {
		assert.True(t, strings.Contains(text, metric), "metrics surface missing %s", metric)
	}
}

func TestClientWritesThroughLeader(t *testing.T) {
	leader := newLeaderNode(t)
	leaderServer := httptest.NewServer(NewHandler(leader, zerolog.Nop()))
	defer leaderServer.Close()

	follower := newFollowerNode(t, "f2")
	follower.HandleAppendEntries(&raft.AppendEntriesArgs{Term: 1, LeaderID: "solo"})
	followerServer := httptest.NewServer(NewHandler(follower, zerolog.Nop()))
	defer followerServer.Close()

	client := NewClient(map[string]string{
		"solo": leaderServer.URL,
		"f2":   followerServer.URL,
	})

	require.NoError(t, client.Put("k", "v"))

	v, found, err := client.Get("solo", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", v)
}
