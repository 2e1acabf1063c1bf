// Package pipeline runs one narrated-slideshow job from text source to
// uploaded artifact.
//
// A job that checks out a record always settles it exactly once: Release or
// MarkConsumed after a successful render, MarkFailed on any failure between
// checkout and that point, panics included. A job whose context is canceled
// before the render completes releases the record instead. Nothing is
// uploaded for a failed render.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/adpool"
	"github.com/snarg/poem-engine/internal/images"
	"github.com/snarg/poem-engine/internal/joblog"
	"github.com/snarg/poem-engine/internal/manifest"
	"github.com/snarg/poem-engine/internal/metrics"
	"github.com/snarg/poem-engine/internal/speech"
	"github.com/snarg/poem-engine/internal/textsource"
	"github.com/snarg/poem-engine/internal/timing"
	"github.com/snarg/poem-engine/internal/transcribe"
)

// MetaRuntime is the artifact metadata key holding its length in seconds.
const MetaRuntime = "runtime"

// Records checks ads in and out of the shared pool.
type Records interface {
	Acquire(ctx context.Context, scope adpool.Scope, filter adpool.Filter) (*adpool.Record, textsource.Text, error)
	Release(ctx context.Context, rec *adpool.Record) error
	MarkFailed(ctx context.Context, rec *adpool.Record) error
	MarkConsumed(ctx context.Context, rec *adpool.Record) error
}

// Synthesizer renders text to an MP3 file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts speech.Options, outPath string) error
}

// Transcriber recovers word timestamps from audio.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, opts transcribe.TranscribeOpts) (*transcribe.Response, error)
}

// EntityExtractor finds entities in body text.
type EntityExtractor interface {
	Extract(ctx context.Context, body string) ([]timing.Entity, error)
}

// ImageFinder writes a frame-sized image for a search query.
type ImageFinder interface {
	Find(ctx context.Context, query, outPath string) error
}

// Compositor is the media toolchain.
type Compositor interface {
	ChangeSpeed(ctx context.Context, in, out string, rate float64) error
	ToMonoFLAC(ctx context.Context, in, out string) error
	Duration(ctx context.Context, path string) (float64, error)
	Slideshow(ctx context.Context, manifestPath, out string, total float64) error
	AddAudio(ctx context.Context, audio, video, out string) error
	Fade(ctx context.Context, in, out string, fadeIn, fadeOut float64) error
	Resize(ctx context.Context, in, out string) error
	Concat(ctx context.Context, inputs []string, out string) error
}

// Uploader stores the finished artifact.
type Uploader interface {
	Upload(ctx context.Context, key, localPath, contentType string, metadata map[string]string) error
}

// URLFetcher loads a text source from a web page.
type URLFetcher func(ctx context.Context, url string) (textsource.Text, error)

// Deps are the orchestrator's collaborators.
type Deps struct {
	Records     Records
	Speech      Synthesizer
	Transcriber Transcriber
	Entities    EntityExtractor
	Images      ImageFinder
	Compositor  Compositor
	Artifacts   Uploader
	FetchURL    URLFetcher
}

// Settings tune rendering.
type Settings struct {
	Collection  string
	WorkDir     string
	KeepWorkDir bool

	TitleRate   float64
	BodyRate    float64
	FadeSeconds float64
	FrameWidth  int
	FrameHeight int

	Language         string
	ImageConcurrency int
	SkipFailedImages bool

	// StageTimeout bounds each external stage. Zero disables the bound.
	StageTimeout time.Duration
}

// Result describes an uploaded artifact.
type Result struct {
	JobID        string            `json:"job_id"`
	ArtifactPath string            `json:"artifact_path"`
	LocalPath    string            `json:"local_path,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

// Orchestrator runs jobs.
type Orchestrator struct {
	deps Deps
	set  Settings
}

// New creates an orchestrator.
func New(deps Deps, set Settings) *Orchestrator {
	if set.TitleRate <= 0 {
		set.TitleRate = 1
	}
	if set.BodyRate <= 0 {
		set.BodyRate = 1
	}
	if set.Collection == "" {
		set.Collection = "craigslist"
	}
	return &Orchestrator{deps: deps, set: set}
}

// Run executes one job. Failures are returned as *Error.
func (o *Orchestrator) Run(ctx context.Context, jobID string, req Request, jl *joblog.Log) (res *Result, err error) {
	if jl == nil {
		jl = joblog.Nop()
	}
	log := jl.Logger

	if err := req.Validate(); err != nil {
		log.Warn().Err(err).Msg("invalid request")
		return nil, err
	}
	log.Info().Str("source", string(req.Source())).Str("destination", req.DestinationBucketDir).Msg("job started")

	text, rec, err := o.resolveSource(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("text source unavailable")
		return nil, err
	}
	if rec != nil {
		log = log.With().Str("record", rec.Key).Logger()
	}
	log.Info().Str("title", text.Title).Int("words", text.WordCount()).Msg("text resolved")

	settled := false
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("job panicked")
			res, err = nil, newError(KindInternal, "pipeline", fmt.Errorf("panic: %v", p))
		}
		if err != nil && rec != nil && !settled {
			settled = true
			sctx := context.WithoutCancel(ctx)
			if ctx.Err() != nil {
				// The ad itself did not fail; return it to the pool.
				if rerr := o.deps.Records.Release(sctx, rec); rerr != nil {
					log.Error().Err(rerr).Msg("failed to release record after cancellation")
				} else {
					log.Info().Msg("job canceled, record released")
				}
				return
			}
			if ferr := o.deps.Records.MarkFailed(sctx, rec); ferr != nil {
				log.Error().Err(ferr).Msg("failed to mark record failed")
			} else {
				log.Info().Msg("record marked failed")
			}
		}
	}()

	ws, err := o.prepareWorkspace(jobID)
	if err != nil {
		return nil, err
	}
	if !o.set.KeepWorkDir {
		defer func() {
			if rerr := os.RemoveAll(ws.root); rerr != nil {
				log.Warn().Err(rerr).Str("dir", ws.root).Msg("failed to remove workspace")
			}
		}()
	}

	final, err := o.render(ctx, ws, text, req, log)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		settled = true
		if serr := o.settle(context.WithoutCancel(ctx), rec, req.Preserve); serr != nil {
			log.Error().Err(serr).Bool("preserve", req.Preserve).Msg("failed to finalize record")
		}
	}

	meta := o.provenance(text, rec)
	if err := o.stage(ctx, log, "runtime", KindExternalService, func(ctx context.Context) error {
		d, err := o.deps.Compositor.Duration(ctx, final)
		if err != nil {
			return err
		}
		meta[MetaRuntime] = strconv.FormatFloat(d, 'f', 3, 64)
		return nil
	}); err != nil {
		return nil, err
	}

	key := ArtifactKey(o.set.Collection, req.DestinationBucketDir, text.Title)
	if err := o.stage(ctx, log, "upload", KindExternalService, func(ctx context.Context) error {
		return o.deps.Artifacts.Upload(ctx, key, final, "video/mp4", meta)
	}); err != nil {
		return nil, err
	}
	log.Info().Str("artifact", key).Str("runtime", meta[MetaRuntime]).Msg("artifact uploaded")

	res = &Result{JobID: jobID, ArtifactPath: key, Metadata: meta}
	if o.set.KeepWorkDir {
		res.LocalPath = final
	}
	return res, nil
}

func (o *Orchestrator) resolveSource(ctx context.Context, req Request) (textsource.Text, *adpool.Record, error) {
	switch req.Source() {
	case SourceRecord, SourceRecordDir:
		scope := adpool.Scope{Path: req.BucketPath}
		if req.Source() == SourceRecordDir {
			scope = adpool.Scope{Dir: req.SourceBucketDir}
		}
		rec, text, err := o.deps.Records.Acquire(ctx, scope, adpool.DefaultFilter(req.MinWordCount))
		switch {
		case err == nil:
			return text, rec, nil
		case errors.Is(err, adpool.ErrNoAdAvailable):
			return textsource.Text{}, nil, newError(KindNoAdAvailable, "select", err)
		case errors.Is(err, textsource.ErrEmpty):
			return textsource.Text{}, nil, newError(KindRecordFile, "checkout", err)
		default:
			return textsource.Text{}, nil, newError(KindExternalService, "checkout", err)
		}

	case SourceURL:
		if o.deps.FetchURL == nil {
			return textsource.Text{}, nil, newError(KindInvalidOptions, "fetch", errors.New("url sources are not enabled"))
		}
		text, err := o.deps.FetchURL(ctx, req.URL)
		if err != nil {
			return textsource.Text{}, nil, newError(KindExternalService, "fetch", err)
		}
		return text, nil, nil

	default:
		text, err := textsource.LoadFile(req.LocalFile)
		if err != nil {
			return textsource.Text{}, nil, newError(KindRecordFile, "load", err)
		}
		return text, nil, nil
	}
}

func (o *Orchestrator) prepareWorkspace(jobID string) (workspace, error) {
	ws := newWorkspace(filepath.Join(o.set.WorkDir, jobID))
	for _, dir := range ws.dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ws, newError(KindInternal, "workspace", err)
		}
	}
	return ws, nil
}

func (o *Orchestrator) settle(ctx context.Context, rec *adpool.Record, preserve bool) error {
	if preserve {
		return o.deps.Records.Release(ctx, rec)
	}
	return o.deps.Records.MarkConsumed(ctx, rec)
}

// provenance returns the record's provenance, or values derived from the
// text itself for sources outside the pool.
func (o *Orchestrator) provenance(text textsource.Text, rec *adpool.Record) map[string]string {
	if rec != nil {
		meta := rec.Provenance()
		if _, ok := meta[adpool.KeyBodyWordCount]; !ok {
			meta[adpool.KeyBodyWordCount] = strconv.Itoa(text.WordCount())
		}
		return meta
	}
	meta := map[string]string{
		adpool.KeyTitle:         text.Title,
		adpool.KeyBodyWordCount: strconv.Itoa(text.WordCount()),
	}
	if text.URL != "" {
		meta[adpool.KeyURL] = text.URL
	}
	return meta
}

// render produces the final video in the workspace and returns its path.
func (o *Orchestrator) render(ctx context.Context, ws workspace, text textsource.Text, req Request, log zerolog.Logger) (string, error) {
	var (
		entities = []timing.Entity{}
		voice    = speech.Options{Voice: req.Voice}

		titleTTS  = filepath.Join(ws.audio, "tts-title.mp3")
		bodyTTS   = filepath.Join(ws.audio, "tts-body.mp3")
		titleRate = filepath.Join(ws.audio, fmt.Sprintf("tts-title-rate-%s.mp3", rateLabel(o.set.TitleRate)))
		bodyRate  = filepath.Join(ws.audio, fmt.Sprintf("tts-body-rate-%s.mp3", rateLabel(o.set.BodyRate)))
		bodyFLAC  = filepath.Join(ws.audio, "tts-body-mono.flac")

		titleDur, bodyDur float64
	)
	if req.SpeakingRate != nil {
		voice.Speed = *req.SpeakingRate
	}
	if req.Pitch != nil {
		voice.Pitch = *req.Pitch
	}

	if err := writeText(filepath.Join(ws.text, "post.txt"), text.Title+"\n"+text.Body); err != nil {
		return "", err
	}
	if err := o.stage(ctx, log, "extract_entities", KindExternalService, func(ctx context.Context) error {
		var err error
		entities, err = o.deps.Entities.Extract(ctx, text.Body)
		return err
	}); err != nil {
		return "", err
	}
	if err := writeText(filepath.Join(ws.text, "entities.txt"), formatEntities(entities)); err != nil {
		return "", err
	}
	log.Info().Int("entities", len(entities)).Msg("entities extracted")

	if err := o.stage(ctx, log, "synthesize", KindExternalService, func(ctx context.Context) error {
		if err := o.deps.Speech.Synthesize(ctx, text.Title, voice, titleTTS); err != nil {
			return fmt.Errorf("title: %w", err)
		}
		if err := o.deps.Speech.Synthesize(ctx, text.Body, voice, bodyTTS); err != nil {
			return fmt.Errorf("body: %w", err)
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := o.stage(ctx, log, "change_speed", KindExternalService, func(ctx context.Context) error {
		if err := o.deps.Compositor.ChangeSpeed(ctx, titleTTS, titleRate, o.set.TitleRate); err != nil {
			return err
		}
		return o.deps.Compositor.ChangeSpeed(ctx, bodyTTS, bodyRate, o.set.BodyRate)
	}); err != nil {
		return "", err
	}

	if err := o.stage(ctx, log, "measure", KindExternalService, func(ctx context.Context) error {
		var err error
		if titleDur, err = o.deps.Compositor.Duration(ctx, titleRate); err != nil {
			return err
		}
		bodyDur, err = o.deps.Compositor.Duration(ctx, bodyRate)
		return err
	}); err != nil {
		return "", err
	}
	log.Info().Float64("title_seconds", titleDur).Float64("body_seconds", bodyDur).Msg("narration measured")

	var words []timing.Word
	if err := o.stage(ctx, log, "transcribe", KindExternalService, func(ctx context.Context) error {
		if err := o.deps.Compositor.ToMonoFLAC(ctx, bodyRate, bodyFLAC); err != nil {
			return err
		}
		resp, err := o.deps.Transcriber.Transcribe(ctx, bodyFLAC, transcribe.TranscribeOpts{
			Language: o.set.Language,
			Hotwords: entityNames(entities),
		})
		if err != nil {
			return err
		}
		words = make([]timing.Word, 0, len(resp.Words))
		for _, w := range resp.Words {
			words = append(words, timing.Word{Text: w.Word, Start: w.Start, End: w.End})
		}
		return nil
	}); err != nil {
		return "", err
	}
	log.Debug().Int("words", len(words)).Msg("narration transcribed")

	var windows []timing.Window
	if err := o.stage(ctx, log, "align", KindExternalService, func(ctx context.Context) error {
		var err error
		windows, err = timing.Align(ctx, entities, timing.NewIndex(words), bodyDur, o.imageResolver(ws, req.ImageFlavor), timing.Options{
			Concurrency:    o.set.ImageConcurrency,
			SkipUnresolved: o.set.SkipFailedImages,
			OnSkip: func(e timing.Entity, err error) {
				log.Warn().Err(err).Str("entity", e.Name).Msg("no image for entity, skipping")
			},
		})
		switch {
		case errors.Is(err, timing.ErrNoTimedEntities):
			return newError(KindNoTimedEntities, "align", err)
		case errors.Is(err, timing.ErrResolverPanic):
			return newError(KindInternal, "align", err)
		}
		return err
	}); err != nil {
		return "", err
	}
	for _, w := range windows {
		ev := log.Debug()
		if w.Duration() <= 0 {
			ev = log.Warn()
		}
		ev.Str("entity", w.Label).Float64("start", w.Start).Float64("end", w.End).Msg("display window")
	}

	bodyVideo, err := o.renderSegment(ctx, ws, log, "body", manifest.FromWindows(windows), bodyRate)
	if err != nil {
		return "", err
	}

	titleFrame := filepath.Join(ws.frame, "title-frame.jpg")
	card, err := images.TitleCard(cleanTitle(text.Title), o.set.FrameWidth, o.set.FrameHeight)
	if err != nil {
		return "", newError(KindInternal, "title_card", err)
	}
	if err := images.WriteJPEG(titleFrame, card); err != nil {
		return "", newError(KindInternal, "title_card", err)
	}
	titleVideo, err := o.renderSegment(ctx, ws, log, "title", manifest.TitleCard(frameRef("title-frame.jpg"), titleDur), titleRate)
	if err != nil {
		return "", err
	}

	final := filepath.Join(ws.video, "poem.mp4")
	if err := o.stage(ctx, log, "concat", KindExternalService, func(ctx context.Context) error {
		return o.deps.Compositor.Concat(ctx, []string{titleVideo, bodyVideo}, final)
	}); err != nil {
		return "", err
	}
	log.Info().Str("path", final).Msg("video rendered")
	return final, nil
}

// renderSegment turns a manifest and its narration into a faded video at
// frame size.
func (o *Orchestrator) renderSegment(ctx context.Context, ws workspace, log zerolog.Logger, name string, m manifest.Manifest, audio string) (string, error) {
	var (
		concatFile = filepath.Join(ws.video, name+"-concat.txt")
		slideshow  = filepath.Join(ws.video, name+"-slideshow.mp4")
		withAudio  = filepath.Join(ws.video, name+"-slideshow-with-audio.mp4")
		faded      = filepath.Join(ws.video, name+"-slideshow-with-audio-and-fades.mp4")
		sized      = filepath.Join(ws.video, fmt.Sprintf("%s-slideshow-with-audio-and-fades-%dx%d.mp4", name, o.set.FrameWidth, o.set.FrameHeight))
	)

	if err := m.WriteFile(concatFile); err != nil {
		return "", newError(KindInternal, name+"_manifest", err)
	}
	log.Debug().Str("segment", name).Int("entries", len(m.Entries)).Float64("total", m.Total()).Msg("manifest written")

	err := o.stage(ctx, log, name+"_render", KindExternalService, func(ctx context.Context) error {
		if err := o.deps.Compositor.Slideshow(ctx, concatFile, slideshow, m.Total()); err != nil {
			return fmt.Errorf("slideshow: %w", err)
		}
		if err := o.deps.Compositor.AddAudio(ctx, audio, slideshow, withAudio); err != nil {
			return fmt.Errorf("add audio: %w", err)
		}
		if err := o.deps.Compositor.Fade(ctx, withAudio, faded, o.set.FadeSeconds, o.set.FadeSeconds); err != nil {
			return fmt.Errorf("fade: %w", err)
		}
		if err := o.deps.Compositor.Resize(ctx, faded, sized); err != nil {
			return fmt.Errorf("resize: %w", err)
		}
		return nil
	})
	return sized, err
}

func (o *Orchestrator) imageResolver(ws workspace, flavors []string) timing.ImageResolver {
	return func(ctx context.Context, e timing.Entity) (string, error) {
		name := fmt.Sprintf("%d-%s.jpg", e.MentionOffset, Sanitize(e.Name))
		if err := o.deps.Images.Find(ctx, images.Query(e.Name, flavors), filepath.Join(ws.frame, name)); err != nil {
			return "", fmt.Errorf("image for %q: %w", e.Name, err)
		}
		return frameRef(name), nil
	}
}

// stage runs fn under the stage timeout, records its duration and types any
// error as kind.
func (o *Orchestrator) stage(ctx context.Context, log zerolog.Logger, name string, kind Kind, fn func(ctx context.Context) error) error {
	sctx := ctx
	if o.set.StageTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, o.set.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(sctx)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		log.Error().Err(err).Str("stage", name).Dur("elapsed", elapsed).Msg("stage failed")
		if ctx.Err() != nil {
			return newError(KindInternal, name, fmt.Errorf("job canceled: %w", err))
		}
		return wrap(kind, name, err)
	}
	log.Debug().Str("stage", name).Dur("elapsed", elapsed).Msg("stage complete")
	return nil
}

// writeText saves a job's source text or entities alongside its media.
func writeText(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return newError(KindInternal, "workspace", err)
	}
	return nil
}

// formatEntities lists one entity per line as "<offset>\t<name>".
func formatEntities(entities []timing.Entity) string {
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "%d\t%s\n", e.MentionOffset, e.Name)
	}
	return b.String()
}

func entityNames(entities []timing.Entity) []string {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	return names
}

func rateLabel(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

func cleanTitle(t string) string {
	return strings.NewReplacer(`"`, "", "'", "", "/", "-").Replace(t)
}
