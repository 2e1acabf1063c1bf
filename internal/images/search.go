// Package images finds a picture for each entity and prepares slideshow
// frames.
package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/metrics"
)

// ErrNoImage is returned when no search result yields a decodable image.
var ErrNoImage = errors.New("no usable image found")

const (
	searchResults = 8
	maxImageBytes = 20 << 20
)

// Config configures a Finder.
type Config struct {
	SearchURL   string
	APIKey      string
	EngineID    string
	Timeout     time.Duration
	FrameWidth  int
	FrameHeight int
}

// Finder searches the Google Custom Search JSON API for images and writes the
// first decodable result as a letterboxed JPEG frame.
type Finder struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

// NewFinder creates an image finder.
func NewFinder(cfg Config, log zerolog.Logger) *Finder {
	return &Finder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With().Str("component", "images").Logger(),
	}
}

type searchResponse struct {
	Items []struct {
		Link string `json:"link"`
		Mime string `json:"mime"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Query builds the search phrase for an entity, appending one randomly chosen
// flavor term when flavors are given.
func Query(name string, flavors []string) string {
	q := strings.Join(strings.Fields(name), " ")
	if len(flavors) > 0 {
		q += " " + flavors[rand.IntN(len(flavors))]
	}
	return q
}

// Find searches for query and writes a frame-sized JPEG to outPath.
func (f *Finder) Find(ctx context.Context, query, outPath string) error {
	links, err := f.search(ctx, query)
	if err != nil {
		metrics.ImageFetchesTotal.WithLabelValues("search_error").Inc()
		return err
	}

	for _, link := range links {
		data, err := f.download(ctx, link)
		if err != nil {
			f.log.Debug().Err(err).Str("query", query).Str("url", link).Msg("image download failed, trying next result")
			continue
		}
		img, format, err := Decode(data)
		if err != nil {
			f.log.Debug().Err(err).Str("query", query).Str("url", link).Msg("image not decodable, trying next result")
			continue
		}
		if err := WriteJPEG(outPath, Letterbox(img, f.cfg.FrameWidth, f.cfg.FrameHeight)); err != nil {
			return err
		}
		metrics.ImageFetchesTotal.WithLabelValues("ok").Inc()
		f.log.Debug().Str("query", query).Str("url", link).Str("format", format).Msg("image selected")
		return nil
	}
	metrics.ImageFetchesTotal.WithLabelValues("no_image").Inc()
	return fmt.Errorf("%q: %w", query, ErrNoImage)
}

func (f *Finder) search(ctx context.Context, query string) ([]string, error) {
	q := url.Values{}
	q.Set("key", f.cfg.APIKey)
	q.Set("cx", f.cfg.EngineID)
	q.Set("q", query)
	q.Set("searchType", "image")
	q.Set("safe", "active")
	q.Set("num", fmt.Sprintf("%d", searchResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.SearchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image search: %w", err)
	}
	defer resp.Body.Close()

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("image search: decode response (status %d): %w", resp.StatusCode, err)
	}
	if sr.Error != nil {
		return nil, fmt.Errorf("image search API error (status %d): %s", sr.Error.Code, sr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image search: HTTP %d", resp.StatusCode)
	}

	links := make([]string, 0, len(sr.Items))
	for _, it := range sr.Items {
		if it.Link != "" {
			links = append(links, it.Link)
		}
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%q: %w", query, ErrNoImage)
	}
	return links, nil
}

func (f *Finder) download(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "poem-engine/1.0")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}
