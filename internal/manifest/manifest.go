// Package manifest turns display windows into ffconcat playlists for the
// compositor.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/snarg/poem-engine/internal/timing"
)

// TitlePad is added to the title narration so the card lingers after speech.
const TitlePad = 1.0

const header = "ffconcat version 1.0"

// ErrEmpty is returned when writing a manifest with no entries.
var ErrEmpty = errors.New("manifest has no entries")

// Entry is one image held on screen for Duration seconds.
type Entry struct {
	ImageRef string
	Duration float64
}

// Manifest is an ordered image/duration playlist for one segment.
//
// Sentinel repeats the last image without a duration. The concat demuxer only
// honors the final duration when another file line follows it, so the
// sentinel is kept; the extra frame it adds is trimmed at render time using
// Total.
type Manifest struct {
	Entries  []Entry
	Sentinel string
}

// FromWindows builds a manifest with one entry per window, in window order.
func FromWindows(windows []timing.Window) Manifest {
	m := Manifest{Entries: make([]Entry, 0, len(windows))}
	for _, w := range windows {
		m.Entries = append(m.Entries, Entry{ImageRef: w.ImageRef, Duration: w.Duration()})
	}
	if n := len(windows); n > 0 {
		m.Sentinel = windows[n-1].ImageRef
	}
	return m
}

// TitleCard builds the single-window manifest for the title segment, spanning
// [0, titleDuration + TitlePad].
func TitleCard(imageRef string, titleDuration float64) Manifest {
	return FromWindows([]timing.Window{{
		Label:    "title",
		Start:    0,
		End:      titleDuration + TitlePad,
		ImageRef: imageRef,
	}})
}

// Total returns the sum of entry durations.
func (m Manifest) Total() float64 {
	var total float64
	for _, e := range m.Entries {
		total += e.Duration
	}
	return total
}

// WriteTo writes the manifest in ffconcat format.
func (m Manifest) WriteTo(w io.Writer) (int64, error) {
	if len(m.Entries) == 0 {
		return 0, ErrEmpty
	}
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)
	fmt.Fprintln(bw, header)
	for _, e := range m.Entries {
		fmt.Fprintf(bw, "file %s\n", e.ImageRef)
		fmt.Fprintf(bw, "duration %s\n", strconv.FormatFloat(e.Duration, 'f', -1, 64))
	}
	fmt.Fprintf(bw, "file %s\n", m.Sentinel)
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// WriteFile writes the manifest to path.
func (m Manifest) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
