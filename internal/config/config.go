package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogDir    string `env:"LOG_DIR" envDefault:"./logs"`

	WorkDir     string `env:"WORK_DIR" envDefault:"./work"`
	KeepWorkDir bool   `env:"KEEP_WORK_DIR"`
	Collection  string `env:"COLLECTION" envDefault:"craigslist"`

	// WorkRetention bounds how long an abandoned workspace stays on disk.
	WorkRetention time.Duration `env:"WORK_RETENTION" envDefault:"24h"`

	S3 S3Config

	TTSURL          string  `env:"TTS_URL" envDefault:"http://localhost:8880/v1"`
	TTSAPIKey       string  `env:"TTS_API_KEY"`
	TTSModel        string  `env:"TTS_MODEL" envDefault:"tts-1"`
	TTSVoice        string  `env:"TTS_VOICE" envDefault:"alloy"`
	TTSSpeakingRate float64 `env:"TTS_SPEAKING_RATE" envDefault:"1.0"`
	TTSPitch        float64 `env:"TTS_PITCH" envDefault:"0"`

	STTProvider     string        `env:"STT_PROVIDER" envDefault:"whisper"`
	WhisperURL      string        `env:"WHISPER_URL" envDefault:"http://localhost:8000"`
	WhisperModel    string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	ElevenLabsKey   string        `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel string        `env:"ELEVENLABS_MODEL" envDefault:"scribe_v1"`
	STTLanguage     string        `env:"STT_LANGUAGE" envDefault:"en"`
	STTTimeout      time.Duration `env:"STT_TIMEOUT" envDefault:"5m"`

	EntityAPIKey  string `env:"ENTITY_API_KEY"`
	EntityBaseURL string `env:"ENTITY_BASE_URL"`
	EntityModel   string `env:"ENTITY_MODEL" envDefault:"gpt-4o-mini"`

	ImageSearchURL   string `env:"IMAGE_SEARCH_URL" envDefault:"https://www.googleapis.com/customsearch/v1"`
	ImageSearchKey   string `env:"IMAGE_SEARCH_KEY"`
	ImageSearchCX    string `env:"IMAGE_SEARCH_CX"`
	ImageConcurrency int    `env:"IMAGE_CONCURRENCY" envDefault:"4"`
	ImageSkipFailed  bool   `env:"IMAGE_SKIP_FAILED"`

	FFmpegPath   string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath  string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	FrameWidth   int           `env:"FRAME_WIDTH" envDefault:"1920"`
	FrameHeight  int           `env:"FRAME_HEIGHT" envDefault:"1080"`
	FadeSeconds  float64       `env:"FADE_SECONDS" envDefault:"0.4"`
	TitleRate    float64       `env:"TITLE_RATE" envDefault:"1.0"`
	BodyRate     float64       `env:"BODY_RATE" envDefault:"1.0"`
	StageTimeout time.Duration `env:"STAGE_TIMEOUT" envDefault:"10m"`

	Workers   int `env:"WORKERS" envDefault:"1"`
	QueueSize int `env:"QUEUE_SIZE" envDefault:"16"`

	DatabaseURL  string        `env:"DATABASE_URL"`
	JobRetention time.Duration `env:"JOB_RETENTION" envDefault:"720h"`

	// DBMaxConns caps the ledger pool; zero sizes it from Workers.
	DBMaxConns int `env:"DB_MAX_CONNS"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTTopics      string `env:"MQTT_TOPICS" envDefault:"poem-engine/requests"`
	MQTTEventPrefix string `env:"MQTT_EVENT_PREFIX" envDefault:"poem-engine/jobs"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"poem-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	WatchDir            string `env:"WATCH_DIR"`
	WatchDestinationDir string `env:"WATCH_DESTINATION_DIR" envDefault:"inbox"`
	WatchBackfill       bool   `env:"WATCH_BACKFILL"`
}

// S3Config selects and configures the object store backend. Records and
// artifacts may live in different buckets; with the local backend each bucket
// is a directory under LocalDir.
type S3Config struct {
	Backend        string `env:"STORE_BACKEND" envDefault:"local"`
	Bucket         string `env:"S3_BUCKET" envDefault:"poem-records"`
	ArtifactBucket string `env:"S3_ARTIFACT_BUCKET"`
	Endpoint       string `env:"S3_ENDPOINT"`
	Region         string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Prefix         string `env:"S3_PREFIX"`
	LocalDir       string `env:"LOCAL_STORE_DIR" envDefault:"./store"`
}

// Enabled reports whether objects live in S3 rather than on local disk.
func (c S3Config) Enabled() bool {
	return strings.EqualFold(c.Backend, "s3")
}

// Artifacts returns the bucket rendered videos are uploaded to.
func (c S3Config) Artifacts() string {
	if c.ArtifactBucket != "" {
		return c.ArtifactBucket
	}
	return c.Bucket
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
	WorkDir  string
	LogDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.WorkDir != "" {
		cfg.WorkDir = overrides.WorkDir
	}
	if overrides.LogDir != "" {
		cfg.LogDir = overrides.LogDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	switch strings.ToLower(c.S3.Backend) {
	case "local", "s3":
	default:
		return fmt.Errorf("STORE_BACKEND must be local or s3, got %q", c.S3.Backend)
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}

	switch c.STTProvider {
	case "whisper":
		if c.WhisperURL == "" {
			return fmt.Errorf("WHISPER_URL is required when STT_PROVIDER=whisper")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when STT_PROVIDER=elevenlabs")
		}
	default:
		return fmt.Errorf("STT_PROVIDER must be whisper or elevenlabs, got %q", c.STTProvider)
	}

	if c.TitleRate <= 0 || c.BodyRate <= 0 {
		return fmt.Errorf("TITLE_RATE and BODY_RATE must be positive")
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return fmt.Errorf("FRAME_WIDTH and FRAME_HEIGHT must be positive")
	}
	if c.ImageConcurrency < 1 {
		c.ImageConcurrency = 1
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	return nil
}
