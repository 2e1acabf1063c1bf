// Package adpool manages the shared pool of ad records: selection, exclusive
// checkout, and the terminal transitions that return a record to the pool.
//
// State machine:
//
//	available --Checkout--> locked --Release------> available
//	                              --MarkConsumed--> available, used (never selected again)
//	                              --MarkFailed----> available, failed (excluded from scans)
package adpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/metrics"
	"github.com/snarg/poem-engine/internal/storage"
	"github.com/snarg/poem-engine/internal/textsource"
)

var (
	// ErrNoAdAvailable is returned when no record satisfies the selection.
	ErrNoAdAvailable = errors.New("no ad available")

	// ErrRecordBusy is returned by Checkout when the record is already
	// checked out or another writer is mid-update.
	ErrRecordBusy = errors.New("record is checked out by another job")
)

const (
	transitionAttempts = 5
	transitionBackoff  = 200 * time.Millisecond
	transitionTimeout  = 30 * time.Second
)

// Scope selects where records are looked up: one key, or every key under a
// directory.
type Scope struct {
	Path string
	Dir  string
}

// Filter narrows a directory scan.
type Filter struct {
	MinWordCount  int
	ExcludeUsed   bool
	ExcludeInUse  bool
	ExcludeFailed bool
}

// DefaultFilter excludes used, in-use and failed records.
func DefaultFilter(minWordCount int) Filter {
	return Filter{
		MinWordCount:  minWordCount,
		ExcludeUsed:   true,
		ExcludeInUse:  true,
		ExcludeFailed: true,
	}
}

// Manager owns every mutation of record state.
type Manager struct {
	store storage.ObjectStore
	log   zerolog.Logger
}

// NewManager creates a lifecycle manager over store.
func NewManager(store storage.ObjectStore, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.With().Str("component", "adpool").Logger(),
	}
}

// Candidates returns every record in scope that passes filter, in scan
// (lexicographic key) order. A single-key scope only excludes a record that is
// in use, since the caller named it explicitly.
func (m *Manager) Candidates(ctx context.Context, scope Scope, filter Filter) ([]*Record, error) {
	if scope.Path != "" {
		obj, err := m.store.Head(ctx, scope.Path)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("head %s: %w", scope.Path, err)
		}
		rec := recordFrom(obj)
		if rec.InUse {
			return nil, nil
		}
		return []*Record{rec}, nil
	}

	prefix := scope.Dir
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	objs, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}

	var out []*Record
	for _, obj := range objs {
		rec := recordFrom(obj)
		ok, err := m.matches(ctx, rec, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Manager) matches(ctx context.Context, rec *Record, f Filter) (bool, error) {
	if f.ExcludeUsed && rec.Used {
		return false, nil
	}
	if f.ExcludeInUse && rec.InUse {
		return false, nil
	}
	if f.ExcludeFailed && rec.Failed {
		return false, nil
	}
	if f.MinWordCount > 0 {
		if rec.BodyWordCount < 0 {
			// Older records have no stored count; count the body.
			data, err := m.store.Read(ctx, rec.Key)
			if err != nil {
				return false, fmt.Errorf("read %s: %w", rec.Key, err)
			}
			t, err := textsource.Parse(string(data))
			if err != nil {
				m.log.Debug().Str("key", rec.Key).Err(err).Msg("skipping unparseable record")
				return false, nil
			}
			rec.BodyWordCount = t.WordCount()
		}
		if rec.BodyWordCount < f.MinWordCount {
			return false, nil
		}
	}
	return true, nil
}

// SelectCandidate returns the last matching record in scan order.
func (m *Manager) SelectCandidate(ctx context.Context, scope Scope, filter Filter) (*Record, error) {
	recs, err := m.Candidates(ctx, scope, filter)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoAdAvailable
	}
	return recs[len(recs)-1], nil
}

// Acquire selects and checks out a record. Candidates are tried last to
// first, so the preferred record is the one SelectCandidate returns; losing a
// checkout race moves on to the next-earlier match.
func (m *Manager) Acquire(ctx context.Context, scope Scope, filter Filter) (*Record, textsource.Text, error) {
	recs, err := m.Candidates(ctx, scope, filter)
	if err != nil {
		return nil, textsource.Text{}, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		text, err := m.Checkout(ctx, rec)
		if errors.Is(err, ErrRecordBusy) {
			m.log.Debug().Str("key", rec.Key).Msg("candidate taken, trying next")
			continue
		}
		if err != nil {
			return nil, textsource.Text{}, err
		}
		return rec, text, nil
	}
	if len(recs) > 0 {
		return nil, textsource.Text{}, fmt.Errorf("%w: all %d candidates busy", ErrNoAdAvailable, len(recs))
	}
	return nil, textsource.Text{}, ErrNoAdAvailable
}

// Checkout atomically flips in-use from false to true and returns the
// record's parsed text. It fails with ErrRecordBusy when the record is
// already checked out. If the content cannot be read after the flip, the
// record is marked failed before the error is returned.
func (m *Manager) Checkout(ctx context.Context, rec *Record) (textsource.Text, error) {
	err := m.store.UpdateMetadata(ctx, rec.Key, func(meta map[string]string) error {
		if flag(meta, KeyInUse) {
			return ErrRecordBusy
		}
		setFlag(meta, KeyInUse, true)
		rec.Metadata = meta
		return nil
	})
	if errors.Is(err, storage.ErrConflict) {
		return textsource.Text{}, fmt.Errorf("checkout %s: %w", rec.Key, ErrRecordBusy)
	}
	if err != nil {
		return textsource.Text{}, fmt.Errorf("checkout %s: %w", rec.Key, err)
	}
	rec.InUse = true
	metrics.RecordTransitionsTotal.WithLabelValues("checkout").Inc()
	m.log.Info().Str("key", rec.Key).Msg("record checked out")

	data, err := m.store.Read(ctx, rec.Key)
	if err == nil {
		var text textsource.Text
		text, err = textsource.Parse(string(data))
		if err == nil {
			text.RecordKey = rec.Key
			text.URL = rec.URL
			return text, nil
		}
	}
	if ferr := m.MarkFailed(ctx, rec); ferr != nil {
		m.log.Error().Err(ferr).Str("key", rec.Key).Msg("failed to mark unreadable record")
	}
	return textsource.Text{}, fmt.Errorf("read record %s: %w", rec.Key, err)
}

// Release returns a record to the pool unchanged.
func (m *Manager) Release(ctx context.Context, rec *Record) error {
	return m.transition(ctx, rec, "release", func(meta map[string]string) {
		setFlag(meta, KeyInUse, false)
	})
}

// MarkFailed returns a record to the pool tagged for triage.
func (m *Manager) MarkFailed(ctx context.Context, rec *Record) error {
	return m.transition(ctx, rec, "mark_failed", func(meta map[string]string) {
		setFlag(meta, KeyInUse, false)
		setFlag(meta, KeyFailed, true)
	})
}

// MarkConsumed returns a record to the pool as used.
func (m *Manager) MarkConsumed(ctx context.Context, rec *Record) error {
	return m.transition(ctx, rec, "mark_consumed", func(meta map[string]string) {
		setFlag(meta, KeyInUse, false)
		setFlag(meta, KeyUsed, true)
	})
}

// transition applies a terminal update. It detaches from the caller's
// cancellation so a cancelled job still unlocks its record, and retries while
// another writer holds the update lock.
func (m *Manager) transition(ctx context.Context, rec *Record, name string, apply func(map[string]string)) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s %s: %w", name, rec.Key, ctx.Err())
			case <-time.After(transitionBackoff * time.Duration(attempt)):
			}
		}
		err = m.store.UpdateMetadata(ctx, rec.Key, func(meta map[string]string) error {
			apply(meta)
			rec.Metadata = meta
			return nil
		})
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		m.log.Warn().Str("key", rec.Key).Str("transition", name).Int("attempt", attempt+1).Msg("record update lock held, retrying")
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, rec.Key, err)
	}

	rec.InUse = flag(rec.Metadata, KeyInUse)
	rec.Used = flag(rec.Metadata, KeyUsed)
	rec.Failed = flag(rec.Metadata, KeyFailed)
	metrics.RecordTransitionsTotal.WithLabelValues(name).Inc()
	m.log.Info().Str("key", rec.Key).Str("transition", name).Msg("record transitioned")
	return nil
}
