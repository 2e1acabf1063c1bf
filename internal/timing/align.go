// Package timing aligns extracted entities with the moments they are spoken in
// synthesized narration and turns them into contiguous display windows.
package timing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNoTimedEntities is returned when no entity survives alignment.
var ErrNoTimedEntities = errors.New("no entities were found in the synthesized speech")

// ErrResolverPanic is returned when an image resolver panics. It is never
// skipped, even with SkipUnresolved.
var ErrResolverPanic = errors.New("image resolver panicked")

// Entity is a named thing detected in the body text. MentionOffset is the
// position of its first mention in the body and only drives display order.
type Entity struct {
	Name          string
	MentionOffset int
}

// Timed is an entity together with its first spoken interval and image.
type Timed struct {
	Entity   Entity
	Interval Interval
	ImageRef string
}

// Window is a span of narration during which one image is shown.
type Window struct {
	Label    string
	Start    float64
	End      float64
	ImageRef string
}

// Duration returns End - Start.
func (w Window) Duration() float64 { return w.End - w.Start }

// ImageResolver returns an image reference for an entity.
type ImageResolver func(ctx context.Context, e Entity) (string, error)

// Options tunes Align.
type Options struct {
	// Concurrency bounds parallel image resolutions. Zero means 4.
	Concurrency int
	// SkipUnresolved drops entities whose image lookup fails instead of
	// failing the whole alignment.
	SkipUnresolved bool
	// OnSkip is called for every entity dropped by SkipUnresolved.
	OnSkip func(e Entity, err error)
}

// Align runs the full alignment: locate each entity in the transcript, resolve
// an image for every located entity, order them by mention offset and build
// windows covering [0, bodyDuration].
func Align(ctx context.Context, entities []Entity, ix *Index, bodyDuration float64, resolve ImageResolver, opts Options) ([]Window, error) {
	timed := Locate(entities, ix)
	if len(timed) == 0 {
		return nil, ErrNoTimedEntities
	}

	timed, err := resolveImages(ctx, timed, resolve, opts)
	if err != nil {
		return nil, err
	}
	if len(timed) == 0 {
		return nil, ErrNoTimedEntities
	}

	SortByMention(timed)
	return BuildWindows(timed, bodyDuration), nil
}

// Locate returns the entities whose names are spoken, in input order.
// Entities sharing a normalized name collapse to the earliest mention.
func Locate(entities []Entity, ix *Index) []Timed {
	seen := make(map[string]int, len(entities))
	var out []Timed
	for _, e := range entities {
		key := strings.Join(tokenize(e.Name), " ")
		if key == "" {
			continue
		}
		if i, ok := seen[key]; ok {
			if e.MentionOffset < out[i].Entity.MentionOffset {
				out[i].Entity.MentionOffset = e.MentionOffset
			}
			continue
		}
		iv, ok := ix.IntervalOf(e.Name)
		if !ok {
			continue
		}
		seen[key] = len(out)
		out = append(out, Timed{Entity: e, Interval: iv})
	}
	return out
}

// SortByMention orders entities by where they first appear in the text, not by
// when they are spoken.
func SortByMention(timed []Timed) {
	sort.SliceStable(timed, func(i, j int) bool {
		a, b := timed[i].Entity, timed[j].Entity
		if a.MentionOffset != b.MentionOffset {
			return a.MentionOffset < b.MentionOffset
		}
		return a.Name < b.Name
	})
}

// BuildWindows lays sorted entities edge to edge. The first window always
// starts at 0 and the last always ends at bodyDuration; every other boundary is
// the next entity's spoken start.
func BuildWindows(timed []Timed, bodyDuration float64) []Window {
	windows := make([]Window, len(timed))
	for i, t := range timed {
		start := t.Interval.Start
		if i == 0 {
			start = 0
		}
		end := bodyDuration
		if i < len(timed)-1 {
			end = timed[i+1].Interval.Start
		}
		windows[i] = Window{
			Label:    t.Entity.Name,
			Start:    start,
			End:      end,
			ImageRef: t.ImageRef,
		}
	}
	return windows
}

func resolveImages(ctx context.Context, timed []Timed, resolve ImageResolver, opts Options) ([]Timed, error) {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}

	refs := make([]string, len(timed))
	failed := make([]bool, len(timed))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range timed {
		g.Go(func() error {
			ref, err := safeResolve(gctx, resolve, timed[i].Entity)
			if err != nil {
				if opts.SkipUnresolved && gctx.Err() == nil && !errors.Is(err, ErrResolverPanic) {
					mu.Lock()
					failed[i] = true
					if opts.OnSkip != nil {
						opts.OnSkip(timed[i].Entity, err)
					}
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("resolve image for %q: %w", timed[i].Entity.Name, err)
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := timed[:0:0]
	for i, t := range timed {
		if failed[i] {
			continue
		}
		t.ImageRef = refs[i]
		out = append(out, t)
	}
	return out, nil
}

// safeResolve runs resolve on an errgroup goroutine, where a panic would
// otherwise take down the process.
func safeResolve(ctx context.Context, resolve ImageResolver, e Entity) (ref string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrResolverPanic, p)
		}
	}()
	return resolve(ctx, e)
}
