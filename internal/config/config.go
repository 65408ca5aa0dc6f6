// Package config resolves the provisioner's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"liveroom-provisioner/internal/models"
)

const envPrefix = "PROVISIONER_"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageJSON     = "json"
	StoragePostgres = "postgres"
)

// Coordination drivers for the room-list cache and the room lease.
const (
	CoordinationMemory = "memory"
	CoordinationRedis  = "redis"
)

// Config is the complete provisioner configuration.
type Config struct {
	Environment models.Environment
	LogLevel    string
	LogFormat   string

	EncoderBinary       string
	EncoderVerbose      bool
	EncoderLogDir       string
	EncoderProbeTimeout time.Duration

	RelayAPI           string
	RelayToken         string
	RelayHost          string
	RelayHTTPPort      int
	RelayMaxAttempts   int
	RelayRetryInterval time.Duration
	RelayTimeout       time.Duration
	EvictConcurrency   int

	CDNEndpoint   string
	CDNToken      string
	CDNPushDomain string
	CDNPullDomain string
	CDNApp        string
	CDNPushKey    string
	CDNPullKey    string
	CDNKeyTTL     time.Duration

	StorageDriver    string
	DataPath         string
	PostgresDSN      string
	PostgresMaxConns int32
	PostgresMinConns int32

	Coordination  string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	LeaseTTL      time.Duration
	ListCacheTTL  time.Duration

	RoomsFile      string
	ResyncInterval time.Duration
	FanOutLimit    int

	HTTPAddr       string
	HookToken      string
	VerifyPushKeys bool

	RestreamPlaylist string
	RestreamURL      string
}

// LoadFromEnv reads .env files when present, then the process environment.
// Variables already set in the environment win over .env entries.
func LoadFromEnv(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, file := range dotenvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return Load(os.Getenv)
}

// Load builds a Config using getenv for lookups.
func Load(getenv func(string) string) (Config, error) {
	env := reader{getenv: getenv}
	cfg := Config{
		LogLevel:  env.str("LOG_LEVEL", "info"),
		LogFormat: env.str("LOG_FORMAT", "json"),

		EncoderBinary: env.str("ENCODER_BINARY", "ffmpeg"),
		EncoderLogDir: env.str("ENCODER_LOG_DIR", "logs/encoder"),

		RelayAPI:   env.str("RELAY_API", "http://localhost:1985"),
		RelayToken: env.str("RELAY_TOKEN", ""),
		RelayHost:  env.str("RELAY_HOST", "localhost"),

		CDNEndpoint:   env.str("CDN_ENDPOINT", ""),
		CDNToken:      env.str("CDN_TOKEN", ""),
		CDNPushDomain: env.str("CDN_PUSH_DOMAIN", ""),
		CDNPullDomain: env.str("CDN_PULL_DOMAIN", ""),
		CDNApp:        env.str("CDN_APP", "livestream"),
		CDNPushKey:    env.str("CDN_PUSH_KEY", ""),
		CDNPullKey:    env.str("CDN_PULL_KEY", ""),

		StorageDriver: strings.ToLower(env.str("STORAGE_DRIVER", StorageMemory)),
		DataPath:      env.str("DATA_PATH", "data/provisioner.json"),
		PostgresDSN:   env.str("POSTGRES_DSN", ""),

		Coordination:  strings.ToLower(env.str("COORDINATION", CoordinationMemory)),
		RedisAddr:     env.str("REDIS_ADDR", ""),
		RedisUsername: env.str("REDIS_USERNAME", ""),
		RedisPassword: env.raw("REDIS_PASSWORD"),
		RedisPrefix:   env.str("REDIS_PREFIX", "provisioner:"),

		RoomsFile: env.str("ROOMS_FILE", "rooms.yaml"),

		HTTPAddr:  env.str("HTTP_ADDR", ""),
		HookToken: env.str("HOOK_TOKEN", ""),

		RestreamPlaylist: env.str("RESTREAM_PLAYLIST", ""),
		RestreamURL:      env.raw("RESTREAM_URL"),
	}

	environment, err := models.ParseEnvironment(env.str("ENV", "development"))
	if err != nil {
		return Config{}, fmt.Errorf("parse %sENV: %w", envPrefix, err)
	}
	cfg.Environment = environment

	ints := []struct {
		key  string
		dest *int
		def  int
	}{
		{"RELAY_HTTP_PORT", &cfg.RelayHTTPPort, 8080},
		{"RELAY_MAX_ATTEMPTS", &cfg.RelayMaxAttempts, 3},
		{"EVICT_CONCURRENCY", &cfg.EvictConcurrency, 0},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"FANOUT_LIMIT", &cfg.FanOutLimit, 0},
	}
	for _, item := range ints {
		value, err := env.integer(item.key, item.def)
		if err != nil {
			return Config{}, err
		}
		*item.dest = value
	}

	durations := []struct {
		key  string
		dest *time.Duration
		def  time.Duration
	}{
		{"ENCODER_PROBE_TIMEOUT", &cfg.EncoderProbeTimeout, 5 * time.Second},
		{"RELAY_RETRY_INTERVAL", &cfg.RelayRetryInterval, 500 * time.Millisecond},
		{"RELAY_TIMEOUT", &cfg.RelayTimeout, 10 * time.Second},
		{"CDN_KEY_TTL", &cfg.CDNKeyTTL, 24 * time.Hour},
		{"LEASE_TTL", &cfg.LeaseTTL, 30 * time.Second},
		{"LIST_CACHE_TTL", &cfg.ListCacheTTL, 10 * time.Second},
		{"RESYNC_INTERVAL", &cfg.ResyncInterval, 0},
	}
	for _, item := range durations {
		value, err := env.duration(item.key, item.def)
		if err != nil {
			return Config{}, err
		}
		*item.dest = value
	}

	bools := []struct {
		key  string
		dest *bool
	}{
		{"ENCODER_VERBOSE", &cfg.EncoderVerbose},
		{"VERIFY_PUSH_KEYS", &cfg.VerifyPushKeys},
	}
	for _, item := range bools {
		value, err := env.boolean(item.key)
		if err != nil {
			return Config{}, err
		}
		*item.dest = value
	}

	maxConns, err := env.integer("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return Config{}, err
	}
	minConns, err := env.integer("POSTGRES_MIN_CONNS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.PostgresMaxConns = int32(maxConns)
	cfg.PostgresMinConns = int32(minConns)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CDNEnabled reports whether a CDN provider is configured.
func (c Config) CDNEnabled() bool {
	return c.CDNEndpoint != ""
}

// RestreamEnabled reports whether a playlist restream is configured.
func (c Config) RestreamEnabled() bool {
	return c.RestreamPlaylist != "" && c.RestreamURL != ""
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var problems []string
	switch c.StorageDriver {
	case StorageMemory, StorageJSON:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			problems = append(problems, envPrefix+"POSTGRES_DSN is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage driver %q", c.StorageDriver))
	}
	if c.StorageDriver == StorageJSON && c.DataPath == "" {
		problems = append(problems, envPrefix+"DATA_PATH is required for the json driver")
	}

	switch c.Coordination {
	case CoordinationMemory:
	case CoordinationRedis:
		if c.RedisAddr == "" {
			problems = append(problems, envPrefix+"REDIS_ADDR is required for redis coordination")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown coordination driver %q", c.Coordination))
	}

	if c.RelayAPI == "" {
		problems = append(problems, envPrefix+"RELAY_API is required")
	}
	if c.RelayMaxAttempts <= 0 {
		problems = append(problems, "relay max attempts must be positive")
	}
	if c.ResyncInterval < 0 {
		problems = append(problems, "resync interval cannot be negative")
	}
	if c.FanOutLimit < 0 || c.EvictConcurrency < 0 {
		problems = append(problems, "concurrency limits cannot be negative")
	}
	if c.PostgresMinConns > c.PostgresMaxConns && c.PostgresMaxConns > 0 {
		problems = append(problems, "postgres min conns exceeds max conns")
	}

	if c.CDNEnabled() {
		var missing []string
		for name, value := range map[string]string{
			"CDN_PUSH_DOMAIN": c.CDNPushDomain,
			"CDN_PULL_DOMAIN": c.CDNPullDomain,
			"CDN_PUSH_KEY":    c.CDNPushKey,
		} {
			if value == "" {
				missing = append(missing, envPrefix+name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			problems = append(problems, "cdn endpoint set but missing "+strings.Join(missing, ", "))
		}
	}
	if (c.RestreamPlaylist == "") != (c.RestreamURL == "") {
		problems = append(problems, envPrefix+"RESTREAM_PLAYLIST and "+envPrefix+"RESTREAM_URL must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

type reader struct {
	getenv func(string) string
}

func (r reader) raw(key string) string {
	return r.getenv(envPrefix + key)
}

func (r reader) str(key, def string) string {
	if value := strings.TrimSpace(r.raw(key)); value != "" {
		return value
	}
	return def
}

func (r reader) integer(key string, def int) (int, error) {
	value := strings.TrimSpace(r.raw(key))
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	return parsed, nil
}

func (r reader) duration(key string, def time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(r.raw(key))
	if value == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	return parsed, nil
}

func (r reader) boolean(key string) (bool, error) {
	value := strings.TrimSpace(r.raw(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	return parsed, nil
}
