// Package relay manages sessions on the self-hosted relay server through its
// HTTP control API and derives the URLs rooms publish to and play from.
package relay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"liveroom-provisioner/internal/controlplane"
	"liveroom-provisioner/internal/models"
)

// API is the subset of the relay control plane the provisioner consumes.
type API interface {
	ListClients(ctx context.Context, start, count int) ([]models.RelayClient, error)
	DeleteClient(ctx context.Context, id string) error
}

// HTTPClient talks to an SRS-compatible /api/v1 endpoint.
type HTTPClient struct {
	cp *controlplane.Client
}

// NewHTTPClient wraps a control plane client pointed at the relay API root.
func NewHTTPClient(cp *controlplane.Client) *HTTPClient {
	return &HTTPClient{cp: cp}
}

type clientsResponse struct {
	Code    int                  `json:"code"`
	Clients []models.RelayClient `json:"clients"`
}

type codeResponse struct {
	Code int `json:"code"`
}

// ListClients returns one page of connected publishers and players.
func (c *HTTPClient) ListClients(ctx context.Context, start, count int) ([]models.RelayClient, error) {
	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	query.Set("count", strconv.Itoa(count))

	var resp clientsResponse
	if err := c.cp.GetJSON(ctx, "/api/v1/clients?"+query.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("list relay clients: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("list relay clients: %w", apiCodeError(resp.Code))
	}
	return resp.Clients, nil
}

// DeleteClient kicks a single connection off the relay.
func (c *HTTPClient) DeleteClient(ctx context.Context, id string) error {
	var resp codeResponse
	if err := c.cp.Delete(ctx, "/api/v1/clients/"+url.PathEscape(id), &resp); err != nil {
		return fmt.Errorf("delete relay client %s: %w", id, err)
	}
	if resp.Code != 0 {
		return fmt.Errorf("delete relay client %s: %w", id, apiCodeError(resp.Code))
	}
	return nil
}

// apiCodeError maps a non-zero SRS result code onto the call failure taxonomy.
func apiCodeError(code int) error {
	return &controlplane.CallError{Provider: "relay", Err: fmt.Errorf("api code %d", code)}
}
