package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/poem-engine/internal/adpool"
	"github.com/snarg/poem-engine/internal/speech"
	"github.com/snarg/poem-engine/internal/textsource"
	"github.com/snarg/poem-engine/internal/timing"
	"github.com/snarg/poem-engine/internal/transcribe"
)

const scenarioBody = "The cat sat on the mat. The dog ran."

func touch(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}

type fakeRecords struct {
	mu          sync.Mutex
	acquireErr  error
	text        textsource.Text
	transitions []string
}

func (f *fakeRecords) Acquire(ctx context.Context, scope adpool.Scope, filter adpool.Filter) (*adpool.Record, textsource.Text, error) {
	if f.acquireErr != nil {
		return nil, textsource.Text{}, f.acquireErr
	}
	rec := &adpool.Record{
		Key:   "ads/record-player.txt",
		InUse: true,
		Metadata: map[string]string{
			adpool.KeyInUse:         "true",
			adpool.KeyURL:           "https://seattle.craigslist.org/see/ele/1.html",
			adpool.KeyTitle:         "Vintage Record Player!",
			adpool.KeyPostedTime:    "2026-01-02T15:04:05Z",
			adpool.KeyBodyWordCount: "9",
		},
	}
	return rec, f.text, nil
}

func (f *fakeRecords) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, name)
	return nil
}

func (f *fakeRecords) Release(ctx context.Context, rec *adpool.Record) error {
	return f.record("release")
}

func (f *fakeRecords) MarkFailed(ctx context.Context, rec *adpool.Record) error {
	return f.record("failed")
}

func (f *fakeRecords) MarkConsumed(ctx context.Context, rec *adpool.Record) error {
	return f.record("consumed")
}

type fakeSpeech struct {
	calls []speech.Options
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, opts speech.Options, outPath string) error {
	f.calls = append(f.calls, opts)
	return touch(outPath)
}

type fakeTranscriber struct {
	words []transcribe.Word
	err   error
	opts  transcribe.TranscribeOpts
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string, opts transcribe.TranscribeOpts) (*transcribe.Response, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &transcribe.Response{Words: f.words}, nil
}

type fakeEntities struct{}

func (fakeEntities) Extract(ctx context.Context, body string) ([]timing.Entity, error) {
	return []timing.Entity{{Name: "cat", MentionOffset: 4}, {Name: "dog", MentionOffset: 31}}, nil
}

type fakeImages struct {
	mu       sync.Mutex
	failFor  string
	panicFor string
	onFind   func()
	queries  []string
}

func (f *fakeImages) Find(ctx context.Context, query, outPath string) error {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.onFind != nil {
		f.onFind()
		return ctx.Err()
	}
	if f.panicFor != "" && strings.HasPrefix(query, f.panicFor) {
		panic("image decoder blew up")
	}
	if f.failFor != "" && strings.HasPrefix(query, f.failFor) {
		return errors.New("no usable image found")
	}
	return touch(outPath)
}

type slideshowCall struct {
	manifest string
	total    float64
}

type fakeCompositor struct {
	panicOn    string
	failOn     string
	slideshows []slideshowCall
	concat     []string
}

func (f *fakeCompositor) check(op string) error {
	if f.panicOn == op {
		panic(op + " exploded")
	}
	if f.failOn == op {
		return errors.New(op + " failed")
	}
	return nil
}

func (f *fakeCompositor) ChangeSpeed(ctx context.Context, in, out string, rate float64) error {
	if err := f.check("speed"); err != nil {
		return err
	}
	return touch(out)
}

func (f *fakeCompositor) ToMonoFLAC(ctx context.Context, in, out string) error {
	return touch(out)
}

func (f *fakeCompositor) Duration(ctx context.Context, path string) (float64, error) {
	switch {
	case strings.Contains(path, "tts-title"):
		return 2.0, nil
	case strings.Contains(path, "tts-body"):
		return 6.0, nil
	default:
		return 9.5, nil
	}
}

func (f *fakeCompositor) Slideshow(ctx context.Context, manifestPath, out string, total float64) error {
	if err := f.check("slideshow"); err != nil {
		return err
	}
	f.slideshows = append(f.slideshows, slideshowCall{manifest: manifestPath, total: total})
	return touch(out)
}

func (f *fakeCompositor) AddAudio(ctx context.Context, audio, video, out string) error {
	return touch(out)
}

func (f *fakeCompositor) Fade(ctx context.Context, in, out string, fadeIn, fadeOut float64) error {
	return touch(out)
}

func (f *fakeCompositor) Resize(ctx context.Context, in, out string) error {
	return touch(out)
}

func (f *fakeCompositor) Concat(ctx context.Context, inputs []string, out string) error {
	if err := f.check("concat"); err != nil {
		return err
	}
	f.concat = inputs
	return touch(out)
}

type upload struct {
	key  string
	meta map[string]string
}

type fakeUploader struct {
	uploads []upload
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, key, localPath, contentType string, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, upload{key: key, meta: metadata})
	return nil
}

type harness struct {
	records     *fakeRecords
	speech      *fakeSpeech
	transcriber *fakeTranscriber
	images      *fakeImages
	compositor  *fakeCompositor
	uploader    *fakeUploader
	workDir     string
	orch        *Orchestrator
}

func newHarness(t *testing.T, keep bool) *harness {
	t.Helper()
	h := &harness{
		records: &fakeRecords{text: textsource.Text{
			Title:     "Vintage Record Player!",
			Body:      scenarioBody,
			RecordKey: "ads/record-player.txt",
		}},
		speech: &fakeSpeech{},
		transcriber: &fakeTranscriber{words: []transcribe.Word{
			{Word: "The", Start: 0.2, End: 0.4},
			{Word: "cat", Start: 1.0, End: 1.3},
			{Word: "sat", Start: 1.4, End: 1.7},
			{Word: "dog", Start: 4.0, End: 4.4},
			{Word: "ran.", Start: 4.5, End: 4.9},
		}},
		images:     &fakeImages{},
		compositor: &fakeCompositor{},
		uploader:   &fakeUploader{},
		workDir:    t.TempDir(),
	}
	h.orch = New(Deps{
		Records:     h.records,
		Speech:      h.speech,
		Transcriber: h.transcriber,
		Entities:    fakeEntities{},
		Images:      h.images,
		Compositor:  h.compositor,
		Artifacts:   h.uploader,
		FetchURL: func(ctx context.Context, url string) (textsource.Text, error) {
			return textsource.Text{Title: "From The Web", Body: scenarioBody, URL: url}, nil
		},
	}, Settings{
		WorkDir:     h.workDir,
		KeepWorkDir: keep,
		TitleRate:   0.9,
		BodyRate:    1.0,
		FadeSeconds: 0.4,
		FrameWidth:  64,
		FrameHeight: 36,
	})
	return h
}

func TestRun_RecordSuccessConsumes(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.orch.Run(context.Background(), "job-1", Request{
		BucketPath:           "ads/record-player.txt",
		DestinationBucketDir: "seattle",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"consumed"}, h.records.transitions)
	assert.Equal(t, "craigslist/seattle/vintage-record-player.mp4", res.ArtifactPath)
	require.Len(t, h.uploader.uploads, 1)
	meta := h.uploader.uploads[0].meta
	assert.Equal(t, "https://seattle.craigslist.org/see/ele/1.html", meta[adpool.KeyURL])
	assert.Equal(t, "2026-01-02T15:04:05Z", meta[adpool.KeyPostedTime])
	assert.Equal(t, "9", meta[adpool.KeyBodyWordCount])
	assert.Equal(t, "9.500", meta[MetaRuntime])
	assert.NotContains(t, meta, adpool.KeyInUse)
	assert.Equal(t, []string{"cat", "dog"}, h.transcriber.opts.Hotwords)
}

func TestRun_BodyManifestFollowsNarration(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.orch.Run(context.Background(), "job-a", Request{
		BucketPath:           "ads/record-player.txt",
		DestinationBucketDir: "seattle",
	}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.workDir, "job-a", "video", "body-concat.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ffconcat version 1.0\n"+
		"file ../image/frame/4-cat.jpg\nduration 4\n"+
		"file ../image/frame/31-dog.jpg\nduration 2\n"+
		"file ../image/frame/31-dog.jpg\n", string(data))

	require.Len(t, h.compositor.slideshows, 2)
	assert.Equal(t, 6.0, h.compositor.slideshows[0].total)
	assert.Equal(t, 3.0, h.compositor.slideshows[1].total, "title spans narration plus pad")

	require.Len(t, h.compositor.concat, 2)
	assert.Contains(t, h.compositor.concat[0], "title-slideshow")
	assert.Contains(t, h.compositor.concat[1], "body-slideshow")
}

func TestRun_KeptWorkspaceHoldsSourceText(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.orch.Run(context.Background(), "job-text", Request{
		BucketPath:           "ads/record-player.txt",
		DestinationBucketDir: "seattle",
	}, nil)
	require.NoError(t, err)

	post, err := os.ReadFile(filepath.Join(h.workDir, "job-text", "text", "post.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Vintage Record Player!\n"+scenarioBody, string(post))

	ents, err := os.ReadFile(filepath.Join(h.workDir, "job-text", "text", "entities.txt"))
	require.NoError(t, err)
	assert.Equal(t, "4\tcat\n31\tdog\n", string(ents))
}

func TestRun_PreserveReleases(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.orch.Run(context.Background(), "job-2", Request{
		SourceBucketDir: "ads",
		Preserve:        true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"release"}, h.records.transitions)
	assert.Equal(t, "craigslist/ads/vintage-record-player.mp4", h.uploader.uploads[0].key)

	_, err = os.Stat(filepath.Join(h.workDir, "job-2"))
	assert.True(t, os.IsNotExist(err), "workspace should be removed")
}

func TestRun_FailuresMarkRecordFailedOnce(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		kind  Kind
	}{
		{
			name:  "transcription error",
			setup: func(h *harness) { h.transcriber.err = errors.New("connection refused") },
			kind:  KindExternalService,
		},
		{
			name:  "no entity spoken",
			setup: func(h *harness) { h.transcriber.words = []transcribe.Word{{Word: "hello", Start: 0, End: 1}} },
			kind:  KindNoTimedEntities,
		},
		{
			name:  "image lookup fails",
			setup: func(h *harness) { h.images.failFor = "dog" },
			kind:  KindExternalService,
		},
		{
			name:  "compositor fails",
			setup: func(h *harness) { h.compositor.failOn = "concat" },
			kind:  KindExternalService,
		},
		{
			name:  "compositor panics",
			setup: func(h *harness) { h.compositor.panicOn = "slideshow" },
			kind:  KindInternal,
		},
		{
			name:  "image lookup panics",
			setup: func(h *harness) { h.images.panicFor = "dog" },
			kind:  KindInternal,
		},
		{
			name: "image lookup panics with skipping enabled",
			setup: func(h *harness) {
				h.images.panicFor = "dog"
				h.orch.set.SkipFailedImages = true
			},
			kind: KindInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			tt.setup(h)

			res, err := h.orch.Run(context.Background(), "job", Request{
				BucketPath:           "ads/record-player.txt",
				DestinationBucketDir: "seattle",
			}, nil)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, []string{"failed"}, h.records.transitions)
			assert.Empty(t, h.uploader.uploads)
		})
	}
}

func TestRun_CanceledJobReleasesRecord(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.images.onFind = cancel

	res, err := h.orch.Run(ctx, "job-cancel", Request{
		BucketPath:           "ads/record-player.txt",
		DestinationBucketDir: "seattle",
	}, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"release"}, h.records.transitions)
	assert.Empty(t, h.uploader.uploads)
}

func TestRun_SkipFailedImages(t *testing.T) {
	h := newHarness(t, true)
	h.orch.set.SkipFailedImages = true
	h.images.failFor = "dog"

	_, err := h.orch.Run(context.Background(), "job-b", Request{
		BucketPath:           "ads/record-player.txt",
		DestinationBucketDir: "seattle",
	}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.workDir, "job-b", "video", "body-concat.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "file ../image/frame/4-cat.jpg\nduration 6\n")
	assert.NotContains(t, string(data), "dog")
}

func TestRun_UploadFailureAfterSettle(t *testing.T) {
	h := newHarness(t, false)
	h.uploader.err = errors.New("access denied")

	_, err := h.orch.Run(context.Background(), "job", Request{
		BucketPath:           "ads/record-player.txt",
		DestinationBucketDir: "seattle",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindExternalService, KindOf(err))
	assert.Equal(t, []string{"consumed"}, h.records.transitions, "settled records are not failed afterwards")
}

func TestRun_InvalidOptionsTouchesNothing(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.orch.Run(context.Background(), "job", Request{
		BucketPath: "ads/a.txt",
		URL:        "https://example.com",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalidOptions, KindOf(err))
	assert.Empty(t, h.records.transitions)
	assert.Empty(t, h.speech.calls)
}

func TestRun_NoAdAvailable(t *testing.T) {
	h := newHarness(t, false)
	h.records.acquireErr = adpool.ErrNoAdAvailable

	_, err := h.orch.Run(context.Background(), "job", Request{SourceBucketDir: "ads"}, nil)
	require.Error(t, err)
	assert.Equal(t, KindNoAdAvailable, KindOf(err))
	assert.Empty(t, h.records.transitions)
}

func TestRun_LocalFileDerivesMetadata(t *testing.T) {
	h := newHarness(t, false)
	path := filepath.Join(t.TempDir(), "ad.txt")
	require.NoError(t, os.WriteFile(path, []byte("Café Table\n"+scenarioBody+"\n"), 0o644))

	pitch := -1.0
	rate := 0.85
	res, err := h.orch.Run(context.Background(), "job", Request{
		LocalFile:            path,
		DestinationBucketDir: "local",
		Voice:                "nova",
		SpeakingRate:         &rate,
		Pitch:                &pitch,
		ImageFlavor:          []string{"vintage"},
	}, nil)
	require.NoError(t, err)

	assert.Empty(t, h.records.transitions)
	assert.Equal(t, "craigslist/local/cafe-table.mp4", res.ArtifactPath)
	assert.Equal(t, "Café Table", res.Metadata[adpool.KeyTitle])
	assert.Equal(t, "9", res.Metadata[adpool.KeyBodyWordCount])
	assert.NotContains(t, res.Metadata, adpool.KeyURL)

	require.NotEmpty(t, h.speech.calls)
	assert.Equal(t, speech.Options{Voice: "nova", Speed: 0.85, Pitch: -1}, h.speech.calls[0])
	assert.Contains(t, h.images.queries, "cat vintage")
}

func TestRun_MissingLocalFile(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.orch.Run(context.Background(), "job", Request{
		LocalFile:            filepath.Join(t.TempDir(), "missing.txt"),
		DestinationBucketDir: "local",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, KindRecordFile, KindOf(err))
}

func TestRun_URLSource(t *testing.T) {
	h := newHarness(t, false)
	res, err := h.orch.Run(context.Background(), "job", Request{
		URL:                  "https://example.com/ad/1",
		DestinationBucketDir: "web",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "craigslist/web/from-the-web.mp4", res.ArtifactPath)
	assert.Equal(t, "https://example.com/ad/1", res.Metadata[adpool.KeyURL])
}
