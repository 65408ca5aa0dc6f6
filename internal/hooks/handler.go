package hooks

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/storage"
)

// Path is where the relay posts its callbacks.
const Path = "/hooks/srs"

type hookRequest struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id"`
	IP       string `json:"ip"`
	VHost    string `json:"vhost"`
	App      string `json:"app"`
	Stream   string `json:"stream"`
	Param    string `json:"param"`
	TCURL    string `json:"tcUrl"`
}

// hookResponse follows the relay's convention: code 0 accepts the client,
// anything else rejects it.
type hookResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`
}

// Handler serves relay callbacks over HTTP.
type Handler struct {
	service *Service
	token   string
}

// NewHandler builds a Handler. A non-empty token is required as a bearer
// header or a token query parameter.
func NewHandler(service *Service, token string) *Handler {
	return &Handler{service: service, token: strings.TrimSpace(token)}
}

func normalizeAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.authorized(r) {
		h.service.logger.Warn("relay hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeResponse(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req hookRequest
	if r.Body != nil && r.Body != http.NoBody {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeResponse(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}

	action := normalizeAction(req.Action)
	if action == "" {
		writeResponse(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}

	ev, err := EventFromRelay(models.RelayMetadata{
		ClientID: req.ClientID,
		App:      req.App,
		Stream:   req.Stream,
		IP:       req.IP,
		VHost:    req.VHost,
		Param:    req.Param,
		TCURL:    req.TCURL,
	})
	if err != nil {
		writeResponse(w, http.StatusNotFound, err)
		return
	}

	switch action {
	case "publish":
		_, err = h.service.OnPublish(r.Context(), ev)
	case "unpublish":
		_, err = h.service.OnUnpublish(r.Context(), ev)
	case "play", "stop", "dvr", "hls":
		// Viewer and segment callbacks carry nothing the session table tracks.
	default:
		writeResponse(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
		return
	}
	if err != nil {
		writeResponse(w, statusFor(err), err)
		return
	}
	writeResponse(w, http.StatusOK, nil)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidPushKey):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrRoomNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(h.token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}
	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		return constantTimeEqual(h.token, queryToken)
	}
	return false
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" || len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func writeResponse(w http.ResponseWriter, status int, err error) {
	resp := hookResponse{}
	if err != nil {
		resp.Code = status
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
