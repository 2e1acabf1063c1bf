// Package speech synthesizes narration through an OpenAI-compatible
// /audio/speech endpoint.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Options are per-request voice parameters. Zero values fall back to the
// client's defaults.
type Options struct {
	Voice string
	// Speed is the synthesis speaking rate, 0.25 to 4.0.
	Speed float64
	// Pitch in semitones. Not part of the OpenAI API; sent as an extra field
	// for servers that honor it.
	Pitch float64
}

// Merge returns o with zero fields filled from defaults.
func (o Options) Merge(defaults Options) Options {
	if o.Voice == "" {
		o.Voice = defaults.Voice
	}
	if o.Speed == 0 {
		o.Speed = defaults.Speed
	}
	if o.Pitch == 0 {
		o.Pitch = defaults.Pitch
	}
	return o
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Defaults   Options
}

// Client synthesizes MP3 narration.
type Client struct {
	client   openai.Client
	model    string
	defaults Options
}

// NewClient creates a speech client.
func NewClient(cfg Config) *Client {
	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	return &Client{
		client:   openai.NewClient(reqOpts...),
		model:    cfg.Model,
		defaults: cfg.Defaults,
	}
}

// Synthesize renders text to an MP3 file at outPath.
func (c *Client) Synthesize(ctx context.Context, text string, opts Options, outPath string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to synthesize")
	}
	opts = opts.Merge(c.defaults)

	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          c.model,
		Voice:          openai.AudioSpeechNewParamsVoice(opts.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if opts.Speed > 0 {
		params.Speed = openai.Float(opts.Speed)
	}
	var reqOpts []option.RequestOption
	if opts.Pitch != 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("pitch", opts.Pitch))
	}

	resp, err := c.client.Audio.Speech.New(ctx, params, reqOpts...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("speech API error (status %d): %s", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	if n == 0 {
		os.Remove(outPath)
		return errors.New("speech API returned empty audio")
	}
	return nil
}
