package relay

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"liveroom-provisioner/internal/models"
)

// Templates hold one URL pattern per endpoint. Patterns may reference
// {room} (numeric room ID), {stream} (relay stream name) and {key} (the
// room's secret, query-escaped).
type Templates struct {
	PushRTMP         string `yaml:"pushRtmp"`
	PushOBSServer    string `yaml:"pushObsServer"`
	PushOBSStreamKey string `yaml:"pushObsStreamKey"`
	PushWebRTC       string `yaml:"pushWebrtc"`
	PushSRT          string `yaml:"pushSrt"`
	PullRTMP         string `yaml:"pullRtmp"`
	PullFLV          string `yaml:"pullFlv"`
	PullHLS          string `yaml:"pullHls"`
	PullWebRTC       string `yaml:"pullWebrtc"`
}

// DefaultTemplates follows the SRS vhost conventions for a relay reachable
// at host, with HTTP playback served on httpPort.
func DefaultTemplates(host string, httpPort int) Templates {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "localhost"
	}
	if httpPort <= 0 {
		httpPort = 8080
	}
	httpBase := fmt.Sprintf("http://%s:%d/livestream/{stream}", host, httpPort)
	auth := "pushtype=0&pushkey={key}"
	return Templates{
		PushRTMP:         "rtmp://" + host + "/livestream/{stream}?type=2&" + auth,
		PushOBSServer:    "rtmp://" + host + "/livestream/",
		PushOBSStreamKey: "{stream}?type=2&" + auth,
		PushWebRTC:       "webrtc://" + host + "/livestream/{stream}?type=1&" + auth,
		PushSRT:          "srt://" + host + ":10080?streamid=#!::r=livestream/{stream}?type=4&" + auth + ",m=publish",
		PullRTMP:         "rtmp://" + host + "/livestream/{stream}",
		PullFLV:          httpBase + ".flv",
		PullHLS:          httpBase + ".m3u8",
		PullWebRTC:       "webrtc://" + host + "/livestream/{stream}",
	}
}

// Validate rejects template sets that cannot produce the mandatory RTMP pair.
func (t Templates) Validate() error {
	var missing []string
	if strings.TrimSpace(t.PushRTMP) == "" {
		missing = append(missing, "pushRtmp")
	}
	if strings.TrimSpace(t.PullRTMP) == "" {
		missing = append(missing, "pullRtmp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("relay url templates missing %s", strings.Join(missing, ", "))
	}
	if !strings.Contains(t.PushRTMP, "{key}") {
		return fmt.Errorf("relay push rtmp template must reference {key}")
	}
	return nil
}

// URLBuilder expands Templates for a room.
type URLBuilder struct {
	templates Templates
}

func NewURLBuilder(templates Templates) *URLBuilder {
	return &URLBuilder{templates: templates}
}

// URLsFor derives the full URL set of a self-hosted room. It performs no I/O
// and returns identical output for identical input.
func (b *URLBuilder) URLsFor(roomID int64, secretKey string) models.URLSet {
	r := strings.NewReplacer(
		"{room}", strconv.FormatInt(roomID, 10),
		"{stream}", models.StreamName(roomID),
		"{key}", url.QueryEscape(secretKey),
	)
	t := b.templates
	return models.URLSet{
		PushRTMP:         r.Replace(t.PushRTMP),
		PushOBSServer:    r.Replace(t.PushOBSServer),
		PushOBSStreamKey: r.Replace(t.PushOBSStreamKey),
		PushWebRTC:       r.Replace(t.PushWebRTC),
		PushSRT:          r.Replace(t.PushSRT),
		PullRTMP:         r.Replace(t.PullRTMP),
		PullFLV:          r.Replace(t.PullFLV),
		PullHLS:          r.Replace(t.PullHLS),
		PullWebRTC:       r.Replace(t.PullWebRTC),
	}
}
