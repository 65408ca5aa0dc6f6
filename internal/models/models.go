package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TransportMode selects how a room's stream reaches its audience.
type TransportMode string

const (
	TransportSelfHosted TransportMode = "self_hosted"
	TransportCDN        TransportMode = "cdn"
)

// ParseTransportMode accepts the canonical names plus the short aliases used
// in room catalogues.
func ParseTransportMode(value string) (TransportMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "self_hosted", "selfhosted", "self-hosted", "srs", "no", "":
		return TransportSelfHosted, nil
	case "cdn", "yes":
		return TransportCDN, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", value)
	}
}

// Environment identifies the deployment the provisioner runs in.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

// ParseEnvironment normalises env names such as "dev" and "prod".
func ParseEnvironment(value string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "development", "dev", "":
		return EnvironmentDevelopment, nil
	case "production", "prod":
		return EnvironmentProduction, nil
	default:
		return "", fmt.Errorf("unknown environment %q", value)
	}
}

// Room is a configured live channel. The provisioner never mutates the
// catalogue copy; write-backs go through RoomUpdate.
type Room struct {
	ID             int64         `json:"id"`
	UserID         int64         `json:"userId"`
	Name           string        `json:"name"`
	Desc           string        `json:"desc,omitempty"`
	CoverImage     string        `json:"coverImage,omitempty"`
	Weight         int           `json:"weight"`
	TransportMode  TransportMode `json:"transportMode"`
	AuthRequired   bool          `json:"authRequired"`
	LocalFile      string        `json:"localFile,omitempty"`
	ActivateInDev  bool          `json:"activateInDev"`
	ActivateInProd bool          `json:"activateInProd"`
	SecretKey      string        `json:"secretKey,omitempty"`
	Transcode      bool          `json:"transcode,omitempty"`
	Kind           RoomKind      `json:"kind,omitempty"`
	URLs           URLSet        `json:"urls"`
	UpdatedAt      time.Time     `json:"updatedAt,omitempty"`
}

// ActivatedIn reports whether a push process should run for the room in env.
func (r Room) ActivatedIn(env Environment) bool {
	switch env {
	case EnvironmentDevelopment:
		return r.ActivateInDev
	case EnvironmentProduction:
		return r.ActivateInProd
	default:
		return false
	}
}

// RoomKind distinguishes rooms seeded by the provisioner from user rooms.
type RoomKind string

const (
	RoomKindUser   RoomKind = "user"
	RoomKindSystem RoomKind = "system"
)

// RoomUpdate is the set of fields a provisioning pass writes back onto a room.
type RoomUpdate struct {
	Name          string
	Desc          string
	CoverImage    string
	Weight        int
	TransportMode TransportMode
	AuthRequired  bool
	Kind          RoomKind
	URLs          URLSet
}

// URLSet bundles the ingest and egress endpoints of a room.
type URLSet struct {
	PushRTMP         string `json:"pushRtmp"`
	PushOBSServer    string `json:"pushObsServer"`
	PushOBSStreamKey string `json:"pushObsStreamKey"`
	PushWebRTC       string `json:"pushWebrtc"`
	PushSRT          string `json:"pushSrt"`
	PullRTMP         string `json:"pullRtmp"`
	PullFLV          string `json:"pullFlv"`
	PullHLS          string `json:"pullHls"`
	PullWebRTC       string `json:"pullWebrtc"`
}

// MergePull returns a copy of u with the pull endpoints taken from pull.
func (u URLSet) MergePull(pull URLSet) URLSet {
	u.PullRTMP = pull.PullRTMP
	u.PullFLV = pull.PullFLV
	u.PullHLS = pull.PullHLS
	u.PullWebRTC = pull.PullWebRTC
	return u
}

// ExternalConnectionID marks a session pushed from outside the relay, for
// which no publish callback will ever arrive.
const ExternalConnectionID = "-1"

// SessionStatus reports how trustworthy a live session is.
type SessionStatus string

const (
	SessionLive     SessionStatus = "live"
	SessionDegraded SessionStatus = "degraded"
)

// LiveSession asserts that a room is currently being pushed.
type LiveSession struct {
	ID                 string        `json:"id"`
	RoomID             int64         `json:"roomId"`
	UserID             int64         `json:"userId"`
	SourceConnectionID string        `json:"sourceConnectionId"`
	AudioTrackPresent  bool          `json:"audioTrackPresent"`
	VideoTrackPresent  bool          `json:"videoTrackPresent"`
	Status             SessionStatus `json:"status"`
	Relay              RelayMetadata `json:"relay"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// External reports whether the session was created for an externally sourced
// stream.
func (s LiveSession) External() bool {
	return s.SourceConnectionID == ExternalConnectionID
}

// RelayMetadata is what the relay reports about a publisher in its callbacks.
type RelayMetadata struct {
	ClientID string `json:"clientId,omitempty"`
	App      string `json:"app,omitempty"`
	Stream   string `json:"stream,omitempty"`
	IP       string `json:"ip,omitempty"`
	VHost    string `json:"vhost,omitempty"`
	Param    string `json:"param,omitempty"`
	TCURL    string `json:"tcUrl,omitempty"`
}

// NewSession holds the caller-provided fields of a session to create.
type NewSession struct {
	RoomID             int64
	UserID             int64
	SourceConnectionID string
	AudioTrackPresent  bool
	VideoTrackPresent  bool
	Status             SessionStatus
	Relay              RelayMetadata
}

// RelayClient is one connection reported by the relay's control API.
type RelayClient struct {
	ID      string  `json:"id"`
	VHost   string  `json:"vhost"`
	Stream  string  `json:"stream"`
	IP      string  `json:"ip"`
	PageURL string  `json:"pageUrl"`
	SwfURL  string  `json:"swfUrl"`
	TCURL   string  `json:"tcUrl"`
	URL     string  `json:"url"`
	Type    string  `json:"type"`
	Publish bool    `json:"publish"`
	Alive   float64 `json:"alive"`
}

const streamNamePrefix = "roomId___"

// StreamName is the relay/CDN stream name bound to a room.
func StreamName(roomID int64) string {
	return streamNamePrefix + strconv.FormatInt(roomID, 10)
}

// RoomIDFromStream parses a stream name produced by StreamName.
func RoomIDFromStream(stream string) (int64, bool) {
	stream = strings.TrimSpace(stream)
	if !strings.HasPrefix(stream, streamNamePrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(stream, streamNamePrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
