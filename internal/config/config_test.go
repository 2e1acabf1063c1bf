package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"S3_BUCKET":    "ads",
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.Collection != "craigslist" {
			t.Errorf("Collection = %q, want craigslist", cfg.Collection)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true, want false for default local backend")
		}
		if cfg.S3.Artifacts() != "ads" {
			t.Errorf("S3.Artifacts() = %q, want ads", cfg.S3.Artifacts())
		}
		if cfg.STTProvider != "whisper" {
			t.Errorf("STTProvider = %q, want whisper", cfg.STTProvider)
		}
		if cfg.FrameWidth != 1920 || cfg.FrameHeight != 1080 {
			t.Errorf("frame = %dx%d, want 1920x1080", cfg.FrameWidth, cfg.FrameHeight)
		}
		if cfg.FadeSeconds != 0.4 {
			t.Errorf("FadeSeconds = %v, want 0.4", cfg.FadeSeconds)
		}
		if cfg.StageTimeout != 10*time.Minute {
			t.Errorf("StageTimeout = %v, want 10m", cfg.StageTimeout)
		}
		if cfg.MQTTTopics != "poem-engine/requests" {
			t.Errorf("MQTTTopics = %q, want poem-engine/requests", cfg.MQTTTopics)
		}
		if cfg.JobRetention != 720*time.Hour {
			t.Errorf("JobRetention = %v, want 720h", cfg.JobRetention)
		}
		if cfg.WorkRetention != 24*time.Hour {
			t.Errorf("WorkRetention = %v, want 24h", cfg.WorkRetention)
		}
		if cfg.TitleRate != 1 {
			t.Errorf("TitleRate = %v, want 1", cfg.TitleRate)
		}
		if cfg.DBMaxConns != 0 {
			t.Errorf("DBMaxConns = %d, want 0", cfg.DBMaxConns)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:  "nonexistent.env",
			HTTPAddr: ":9090",
			LogLevel: "debug",
			WorkDir:  "/tmp/work",
			LogDir:   "/tmp/logs",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.WorkDir != "/tmp/work" {
			t.Errorf("WorkDir = %q, want /tmp/work", cfg.WorkDir)
		}
		if cfg.LogDir != "/tmp/logs" {
			t.Errorf("LogDir = %q, want /tmp/logs", cfg.LogDir)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want postgres://localhost/test", cfg.DatabaseURL)
		}
		if cfg.S3.Bucket != "ads" {
			t.Errorf("S3.Bucket = %q, want ads", cfg.S3.Bucket)
		}
	})

	t.Run("env_file_loaded", func(t *testing.T) {
		path := t.TempDir() + "/test.env"
		if err := os.WriteFile(path, []byte("COLLECTION=seattle\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		defer os.Unsetenv("COLLECTION")

		cfg, err := Load(Overrides{EnvFile: path})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Collection != "seattle" {
			t.Errorf("Collection = %q, want seattle", cfg.Collection)
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			S3:               S3Config{Backend: "local", Bucket: "ads"},
			STTProvider:      "whisper",
			WhisperURL:       "http://localhost:8000",
			TitleRate:        0.9,
			BodyRate:         1,
			FrameWidth:       1920,
			FrameHeight:      1080,
			ImageConcurrency: 4,
			Workers:          1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"s3_backend", func(c *Config) { c.S3.Backend = "S3" }, false},
		{"unknown_backend", func(c *Config) { c.S3.Backend = "gcs" }, true},
		{"missing_bucket", func(c *Config) { c.S3.Bucket = "" }, true},
		{"unknown_stt", func(c *Config) { c.STTProvider = "vosk" }, true},
		{"elevenlabs_without_key", func(c *Config) { c.STTProvider = "elevenlabs" }, true},
		{"elevenlabs_with_key", func(c *Config) {
			c.STTProvider = "elevenlabs"
			c.ElevenLabsKey = "k"
		}, false},
		{"zero_rate", func(c *Config) { c.BodyRate = 0 }, true},
		{"bad_frame", func(c *Config) { c.FrameHeight = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClampsWorkers(t *testing.T) {
	c := &Config{
		S3:          S3Config{Backend: "local", Bucket: "ads"},
		STTProvider: "whisper",
		WhisperURL:  "http://x",
		TitleRate:   1,
		BodyRate:    1,
		FrameWidth:  1,
		FrameHeight: 1,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Workers != 1 || c.ImageConcurrency != 1 {
		t.Errorf("Workers = %d, ImageConcurrency = %d, want 1, 1", c.Workers, c.ImageConcurrency)
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
