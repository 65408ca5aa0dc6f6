package relaystub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"liveroom-provisioner/internal/models"
)

// CDNPath is where the stub accepts CDN control plane actions.
const CDNPath = "/cdn"

// Options describes how the fake control planes behave.
type Options struct {
	// Clients seeds the relay's connected client list.
	Clients []models.RelayClient

	// FailDeletes lists client IDs whose deletion always answers HTTP 500.
	FailDeletes []string

	// FailLists causes the first N list requests to answer HTTP 503.
	FailLists int

	// StreamStates maps CDN stream names to the state DescribeLiveStreamState
	// reports. Unknown streams report "inactive".
	StreamStates map[string]string

	// DescribeErrors lists CDN stream names whose describe call returns an
	// API error payload.
	DescribeErrors []string

	// FailDrops makes every DropLiveStream call answer HTTP 500.
	FailDrops bool

	// Token is the bearer token enforced on every request when non-empty.
	Token string
}

// Operation is one recorded control-plane call.
type Operation struct {
	Kind      string
	ClientID  string
	Stream    string
	Status    int
	Timestamp time.Time
}

// ControlPlane serves both the relay /api/v1 surface and the CDN endpoint.
type ControlPlane struct {
	server *httptest.Server
	opts   Options

	mu          sync.Mutex
	clients     []models.RelayClient
	operations  []Operation
	listAttempt int
}

// Start spins up a stub with the provided options.
func Start(opts Options) *ControlPlane {
	c := &ControlPlane{opts: opts, clients: append([]models.RelayClient(nil), opts.Clients...)}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

func (c *ControlPlane) Close() {
	if c.server != nil {
		c.server.Close()
	}
}

// BaseURL is the relay API root.
func (c *ControlPlane) BaseURL() string {
	return c.server.URL
}

// CDNEndpoint is the base URL to configure the CDN adapter with.
func (c *ControlPlane) CDNEndpoint() string {
	return c.server.URL + CDNPath
}

// Client returns an HTTP client wired to the stub server.
func (c *ControlPlane) Client() *http.Client {
	return c.server.Client()
}

// SetClients replaces the relay's connected client list.
func (c *ControlPlane) SetClients(clients []models.RelayClient) {
	c.mu.Lock()
	c.clients = append([]models.RelayClient(nil), clients...)
	c.mu.Unlock()
}

// Operations returns a copy of all recorded operations in arrival order.
func (c *ControlPlane) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.operations))
	copy(out, c.operations)
	return out
}

// Count returns how many operations of kind were recorded.
func (c *ControlPlane) Count(kind string) int {
	n := 0
	for _, op := range c.Operations() {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// DeletedClientIDs returns the sorted IDs of every delete request received.
func (c *ControlPlane) DeletedClientIDs() []string {
	var ids []string
	for _, op := range c.Operations() {
		if op.Kind == "delete-client" {
			ids = append(ids, op.ClientID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *ControlPlane) handle(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/clients":
		c.handleListClients(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/v1/clients/"):
		c.handleDeleteClient(w, r)
	case r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == CDNPath:
		c.handleCDN(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (c *ControlPlane) handleListClients(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.listAttempt++
	attempt := c.listAttempt
	clients := append([]models.RelayClient(nil), c.clients...)
	c.mu.Unlock()

	if attempt <= c.opts.FailLists {
		c.record(Operation{Kind: "list-clients", Status: http.StatusServiceUnavailable})
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	c.record(Operation{Kind: "list-clients", Status: http.StatusOK})

	count := len(clients)
	if _, err := fmt.Sscan(r.URL.Query().Get("count"), &count); err == nil && count < len(clients) {
		clients = clients[:count]
	}
	writeJSON(w, map[string]any{"code": 0, "server": "stub", "clients": clients})
}

func (c *ControlPlane) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/clients/")
	for _, failing := range c.opts.FailDeletes {
		if failing == id {
			c.record(Operation{Kind: "delete-client", ClientID: id, Status: http.StatusInternalServerError})
			http.Error(w, "delete failed", http.StatusInternalServerError)
			return
		}
	}

	c.mu.Lock()
	kept := c.clients[:0]
	for _, client := range c.clients {
		if client.ID != id {
			kept = append(kept, client)
		}
	}
	c.clients = kept
	c.mu.Unlock()

	c.record(Operation{Kind: "delete-client", ClientID: id, Status: http.StatusOK})
	writeJSON(w, map[string]any{"code": 0})
}

type cdnRequest struct {
	Action     string `json:"Action"`
	DomainName string `json:"DomainName"`
	AppName    string `json:"AppName"`
	StreamName string `json:"StreamName"`
}

func (c *ControlPlane) handleCDN(w http.ResponseWriter, r *http.Request) {
	var req cdnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	requestID := fmt.Sprintf("req-%d", time.Now().UnixNano())

	switch req.Action {
	case "DropLiveStream":
		if c.opts.FailDrops {
			c.record(Operation{Kind: "cdn-drop", Stream: req.StreamName, Status: http.StatusInternalServerError})
			http.Error(w, "drop failed", http.StatusInternalServerError)
			return
		}
		c.record(Operation{Kind: "cdn-drop", Stream: req.StreamName, Status: http.StatusOK})
		writeJSON(w, map[string]any{"Response": map[string]any{"RequestId": requestID}})
	case "DescribeLiveStreamState":
		for _, failing := range c.opts.DescribeErrors {
			if failing == req.StreamName {
				c.record(Operation{Kind: "cdn-describe", Stream: req.StreamName, Status: http.StatusOK})
				writeJSON(w, map[string]any{"Response": map[string]any{
					"RequestId": requestID,
					"Error":     map[string]any{"Code": "InternalError", "Message": "describe failed"},
				}})
				return
			}
		}
		state, ok := c.opts.StreamStates[req.StreamName]
		if !ok {
			state = "inactive"
		}
		c.record(Operation{Kind: "cdn-describe", Stream: req.StreamName, Status: http.StatusOK})
		writeJSON(w, map[string]any{"Response": map[string]any{"RequestId": requestID, "StreamState": state}})
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (c *ControlPlane) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, op)
}

func (c *ControlPlane) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	expected := strings.TrimSpace(c.opts.Token)
	if expected == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+expected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
