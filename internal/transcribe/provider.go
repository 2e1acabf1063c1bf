// Package transcribe recovers word timestamps from synthesized narration.
package transcribe

import (
	"context"
	"fmt"

	"github.com/snarg/poem-engine/internal/config"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (*Response, error)
	Name() string  // "whisper", "elevenlabs"
	Model() string // model identifier for logs
}

// TranscribeOpts are per-request options. Zero-value fields are omitted from
// the request.
type TranscribeOpts struct {
	Language string
	// Hotwords are terms the recognizer should favor, typically the entity
	// names extracted from the text being narrated.
	Hotwords []string
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds
	Words    []Word
}

// Word is a timestamped word from any STT provider.
type Word struct {
	Word  string
	Start float64 // seconds
	End   float64 // seconds
}

// NewProvider builds the configured speech-to-text backend.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.STTProvider {
	case "whisper":
		return NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.STTTimeout), nil
	case "elevenlabs":
		return NewElevenLabsClient("", cfg.ElevenLabsKey, cfg.ElevenLabsModel, cfg.STTTimeout), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}
}
