package cdn

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"liveroom-provisioner/internal/models"
	"liveroom-provisioner/internal/observability/metrics"
)

const defaultKeyTTL = 24 * time.Hour

// Config names the provider domains and signing keys bound to rooms.
type Config struct {
	PushDomain string
	PullDomain string
	App        string
	// PushKey signs ingest URLs. PullKey, when set, signs playback URLs.
	PushKey string
	PullKey string
	// KeyTTL is the minimum validity of a signed URL. Expiries are aligned
	// to KeyTTL windows.
	KeyTTL time.Duration
	// SRTPort is the provider's SRT ingest port.
	SRTPort int
}

// Validate reports missing required fields.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.PushDomain) == "" {
		missing = append(missing, "push domain")
	}
	if strings.TrimSpace(c.PullDomain) == "" {
		missing = append(missing, "pull domain")
	}
	if strings.TrimSpace(c.App) == "" {
		missing = append(missing, "app")
	}
	if strings.TrimSpace(c.PushKey) == "" {
		missing = append(missing, "push key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("cdn config missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Strategy drives the provider for a room and derives its URLs.
type Strategy struct {
	api     API
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option customises a Strategy.
type Option func(*Strategy)

// WithClock overrides the time source used for URL expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records provider calls on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Strategy) { s.metrics = r }
}

func NewStrategy(api API, cfg Config, logger *slog.Logger, opts ...Option) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = defaultKeyTTL
	}
	if cfg.SRTPort <= 0 {
		cfg.SRTPort = 9000
	}
	s := &Strategy{api: api, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrDefault(s.metrics)
	return s
}

// DropExisting cuts any upstream currently bound to the room. Failures are
// logged and discarded; QueryState is the authoritative check that follows.
func (s *Strategy) DropExisting(ctx context.Context, roomID int64) {
	stream := models.StreamName(roomID)
	err := s.api.DropLiveStream(ctx, stream)
	s.metrics.ObserveCDNCall("drop", err)
	if err != nil {
		s.logger.Debug("cdn drop ignored", "room_id", roomID, "stream", stream, "error", err)
	}
}

// QueryState reports whether the provider has the room's stream bound.
// An error means the binding is unknown and the room must not be provisioned.
func (s *Strategy) QueryState(ctx context.Context, roomID int64) (bool, error) {
	stream := models.StreamName(roomID)
	state, err := s.api.DescribeLiveStreamState(ctx, stream)
	s.metrics.ObserveCDNCall("describe", err)
	if err != nil {
		return false, err
	}
	return state.Bound(), nil
}

// PushURLs returns the ingest half of the room's URL set.
func (s *Strategy) PushURLs(roomID int64) models.URLSet {
	stream := models.StreamName(roomID)
	domain := s.cfg.PushDomain
	app := s.cfg.App
	txSecret, txTime := s.sign(s.cfg.PushKey, stream)
	query := "txSecret=" + txSecret + "&txTime=" + txTime

	return models.URLSet{
		PushRTMP:         fmt.Sprintf("rtmp://%s/%s/%s?%s", domain, app, stream, query),
		PushOBSServer:    fmt.Sprintf("rtmp://%s/%s/", domain, app),
		PushOBSStreamKey: stream + "?" + query,
		PushWebRTC:       fmt.Sprintf("webrtc://%s/%s/%s?%s", domain, app, stream, query),
		PushSRT: fmt.Sprintf("srt://%s:%d?streamid=#!::h=%s,r=%s/%s,txSecret=%s,txTime=%s",
			domain, s.cfg.SRTPort, domain, app, stream, txSecret, txTime),
	}
}

// PullURLs returns the playback half of the room's URL set.
func (s *Strategy) PullURLs(roomID int64) models.URLSet {
	stream := models.StreamName(roomID)
	domain := s.cfg.PullDomain
	app := s.cfg.App
	query := ""
	if s.cfg.PullKey != "" {
		txSecret, txTime := s.sign(s.cfg.PullKey, stream)
		query = "?txSecret=" + txSecret + "&txTime=" + txTime
	}
	return models.URLSet{
		PullRTMP:   fmt.Sprintf("rtmp://%s/%s/%s%s", domain, app, stream, query),
		PullFLV:    fmt.Sprintf("https://%s/%s/%s.flv%s", domain, app, stream, query),
		PullHLS:    fmt.Sprintf("https://%s/%s/%s.m3u8%s", domain, app, stream, query),
		PullWebRTC: fmt.Sprintf("webrtc://%s/%s/%s%s", domain, app, stream, query),
	}
}

// URLs returns push and pull endpoints combined.
func (s *Strategy) URLs(roomID int64) models.URLSet {
	return s.PushURLs(roomID).MergePull(s.PullURLs(roomID))
}

// sign implements the provider's hotlink scheme:
// txTime is the expiry as upper-case hex seconds and
// txSecret = md5(key + stream + txTime).
func (s *Strategy) sign(key, stream string) (string, string) {
	expiry := s.expiry().Unix()
	txTime := strings.ToUpper(strconv.FormatInt(expiry, 16))
	sum := md5.Sum([]byte(key + stream + txTime))
	return hex.EncodeToString(sum[:]), txTime
}

// expiry rounds now+KeyTTL up to the next KeyTTL boundary, so every pass in
// the same window signs identical URLs and each URL stays valid for at least
// KeyTTL.
func (s *Strategy) expiry() time.Time {
	ttl := s.cfg.KeyTTL
	return s.now().Add(ttl).Truncate(ttl).Add(ttl).UTC()
}
