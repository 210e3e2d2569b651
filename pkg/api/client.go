package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client talks to the HTTP API of a cluster. Writes follow the leader
// hint returned by non-leader nodes; reads go only to the node the caller
// names.
type Client struct {
	endpoints map[string]string // node id -> base URL
	order     []string
	http      *http.Client
	clientID  string
}

// NewClient creates a client for the given node id -> base URL mapping.
func NewClient(endpoints map[string]string) *Client {
	order := make([]string, 0, len(endpoints))
	for id := range endpoints {
		order = append(order, id)
	}
	return &Client{
		endpoints: endpoints,
		order:     order,
		http:      &http.Client{Timeout: 10 * time.Second},
		clientID:  uuid.NewString(),
	}
}

// Put writes key=value, retrying against the hinted leader when the
// contacted node is a follower.
func (c *Client) Put(key, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return err
	}

	tried := make(map[string]bool)
	next := c.order
	for attempt := 0; attempt < len(c.endpoints)+1 && len(next) > 0; attempt++ {
		id := next[0]
		next = next[1:]
		if tried[id] {
			continue
		}
		tried[id] = true

		base, ok := c.endpoints[id]
		if !ok {
			continue
		}

		req, err := http.NewRequest(http.MethodPut, base+"/kv/"+key, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Client-ID", c.clientID)
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}

		if resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}

		if resp.StatusCode == http.StatusServiceUnavailable {
			var hint struct {
				LeaderID string `json:"leader_id"`
			}
			json.NewDecoder(resp.Body).Decode(&hint)
			resp.Body.Close()
			if hint.LeaderID != "" && !tried[hint.LeaderID] {
				next = append([]string{hint.LeaderID}, next...)
			}
			continue
		}
		resp.Body.Close()
	}

	return fmt.Errorf("put %s: no reachable leader", key)
}

// Get reads key from the named node's local state.
func (c *Client) Get(nodeID, key string) (string, bool, error) {
	base, ok := c.endpoints[nodeID]
	if !ok {
		return "", false, fmt.Errorf("unknown node %s", nodeID)
	}

	resp, err := c.http.Get(base + "/kv/" + key)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("get %s from %s: status %d", key, nodeID, resp.StatusCode)
	}

	var out struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.Value, true, nil
}
