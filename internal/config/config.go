package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Directory backends selectable through TALKIE_DIRECTORY.
const (
	DirectoryPostgres = "postgres"
	DirectoryRedis    = "redis"
	DirectoryMemory   = "memory"
)

// Config captures the runtime configuration for the talkie reconciler.
type Config struct {
	UserID       string `env:"USER_ID"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	CachePath    string `env:"CACHE_PATH" envDefault:"talkie.db"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	Directory             string        `env:"DIRECTORY" envDefault:"postgres"`
	DatabaseURL           string        `env:"DATABASE_URL" envDefault:"postgres://root@localhost:26257/talkie?sslmode=disable"`
	RedisAddr             string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	MigrationDir          string        `env:"MIGRATIONS" envDefault:"internal/directory/migrations"`
	DirectoryPollInterval time.Duration `env:"DIRECTORY_POLL_INTERVAL" envDefault:"250ms"`

	ObjectStore ObjectStoreConfig `envPrefix:"OBJECT_STORE_"`
	LiveKit     LiveKitConfig     `envPrefix:"LIVEKIT_"`
	Push        PushConfig        `envPrefix:"PUSH_"`
	Presence    PresenceConfig    `envPrefix:"PRESENCE_"`
	Reconciler  ReconcilerConfig
}

// ObjectStoreConfig configures the S3 bucket holding profile images.
type ObjectStoreConfig struct {
	Bucket        string `env:"BUCKET"`
	Region        string `env:"REGION" envDefault:"us-east-1"`
	Endpoint      string `env:"ENDPOINT"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

// Enabled reports whether a bucket has been configured.
func (c ObjectStoreConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// LiveKitConfig configures the audio call transport.
type LiveKitConfig struct {
	URL       string        `env:"URL"`
	APIKey    string        `env:"API_KEY"`
	APISecret string        `env:"API_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
}

// PushConfig configures the push sender endpoint and its throttle.
type PushConfig struct {
	URL string `env:"URL"`
	// Rate is the sustained number of pushes per second allowed per receiver.
	Rate  float64 `env:"RATE" envDefault:"0.5"`
	Burst int     `env:"BURST" envDefault:"2"`
}

// PresenceConfig configures the presence ping stream.
type PresenceConfig struct {
	Addr     string        `env:"ADDR"`
	Interval time.Duration `env:"INTERVAL" envDefault:"5s"`
	Port     int           `env:"PORT" envDefault:"7443"`
}

// ReconcilerConfig tunes reconciliation timing and limits.
type ReconcilerConfig struct {
	SpeakerClearDelay      time.Duration `env:"SPEAKER_CLEAR_DELAY" envDefault:"500ms"`
	TalkMaxHold            time.Duration `env:"TALK_MAX_HOLD" envDefault:"10s"`
	SerializerStallTimeout time.Duration `env:"SERIALIZER_STALL_TIMEOUT" envDefault:"0s"`
	ImageMaxBytes          int64         `env:"IMAGE_MAX_BYTES" envDefault:"5242880"`
	ImageCacheTTL          time.Duration `env:"IMAGE_CACHE_TTL" envDefault:"15m"`
}

// Load reads configuration from TALKIE_ prefixed environment variables, applying
// defaults suitable for local development.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TALKIE_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Directory = strings.ToLower(strings.TrimSpace(cfg.Directory))
	switch cfg.Directory {
	case DirectoryPostgres, DirectoryRedis, DirectoryMemory:
	default:
		return Config{}, fmt.Errorf("unsupported directory backend %q", cfg.Directory)
	}

	if cfg.Reconciler.ImageMaxBytes <= 0 {
		return Config{}, fmt.Errorf("image max bytes must be positive, got %d", cfg.Reconciler.ImageMaxBytes)
	}
	if cfg.Push.Burst <= 0 {
		cfg.Push.Burst = 1
	}

	return cfg, nil
}
