// Package cdn provisions rooms whose streams are ingested and served by a
// cloud live-streaming provider.
package cdn

import (
	"context"
	"fmt"
	"strings"

	"liveroom-provisioner/internal/controlplane"
)

// StreamState is the provider's view of a stream.
type StreamState string

const (
	StateActive   StreamState = "active"
	StateInactive StreamState = "inactive"
	StateForbid   StreamState = "forbid"
)

// Bound reports whether the provider knows the stream, which is the
// precondition for deriving its URLs.
func (s StreamState) Bound() bool {
	switch StreamState(strings.ToLower(string(s))) {
	case StateActive, StateInactive:
		return true
	default:
		return false
	}
}

// API is the slice of the provider's control plane the provisioner uses.
type API interface {
	DropLiveStream(ctx context.Context, stream string) error
	DescribeLiveStreamState(ctx context.Context, stream string) (StreamState, error)
}

// HTTPAPI posts provider actions as JSON to a single endpoint.
type HTTPAPI struct {
	cp     *controlplane.Client
	domain string
	app    string
}

// NewHTTPAPI builds an adapter for streams under domain/app.
func NewHTTPAPI(cp *controlplane.Client, domain, app string) *HTTPAPI {
	return &HTTPAPI{cp: cp, domain: domain, app: app}
}

type actionRequest struct {
	Action     string `json:"Action"`
	DomainName string `json:"DomainName"`
	AppName    string `json:"AppName"`
	StreamName string `json:"StreamName"`
}

type apiError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type actionResponse struct {
	Response struct {
		RequestID   string    `json:"RequestId"`
		StreamState string    `json:"StreamState"`
		Error       *apiError `json:"Error"`
	} `json:"Response"`
}

func (a *HTTPAPI) call(ctx context.Context, action, stream string) (actionResponse, error) {
	var resp actionResponse
	req := actionRequest{Action: action, DomainName: a.domain, AppName: a.app, StreamName: stream}
	if err := a.cp.PostJSON(ctx, "", req, &resp); err != nil {
		return resp, fmt.Errorf("%s %s: %w", action, stream, err)
	}
	if e := resp.Response.Error; e != nil {
		return resp, fmt.Errorf("%s %s: %w", action, stream, &controlplane.CallError{
			Provider: "cdn",
			Method:   action,
			URL:      a.cp.BaseURL(),
			Attempts: 1,
			Err:      fmt.Errorf("%s: %s (request %s)", e.Code, e.Message, resp.Response.RequestID),
		})
	}
	return resp, nil
}

// DropLiveStream asks the provider to cut the current upstream of stream.
func (a *HTTPAPI) DropLiveStream(ctx context.Context, stream string) error {
	_, err := a.call(ctx, "DropLiveStream", stream)
	return err
}

// DescribeLiveStreamState returns the provider's state for stream.
func (a *HTTPAPI) DescribeLiveStreamState(ctx context.Context, stream string) (StreamState, error) {
	resp, err := a.call(ctx, "DescribeLiveStreamState", stream)
	if err != nil {
		return "", err
	}
	return StreamState(resp.Response.StreamState), nil
}
