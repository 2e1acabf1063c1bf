// Package ingest turns text files dropped into an inbox directory into jobs.
package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/api"
	"github.com/snarg/poem-engine/internal/jobs"
	"github.com/snarg/poem-engine/internal/pipeline"
)

const debounce = 500 * time.Millisecond

// Submitter queues a job.
type Submitter interface {
	Enqueue(j jobs.Job) (string, bool)
}

// Options configures a FileWatcher.
type Options struct {
	WatchDir       string
	DestinationDir string
	Backfill       bool
	Submitter      Submitter
	Log            zerolog.Logger
}

// FileWatcher monitors an inbox directory for new .txt files and submits a
// local-file job for each one.
type FileWatcher struct {
	opts Options
	log  zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// seen maps a submitted path to the modification time it was submitted at.
	seenMu sync.Mutex
	seen   map[string]time.Time

	filesQueued  atomic.Int64
	filesSkipped atomic.Int64
	status       atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFileWatcher creates a watcher. Call Start to begin watching.
func NewFileWatcher(opts Options) *FileWatcher {
	fw := &FileWatcher{
		opts:           opts,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
		seen:           make(map[string]time.Time),
	}
	fw.status.Store("starting")
	return fw
}

// Start initializes the fsnotify watcher on the inbox and every directory
// below it, then begins watching. With backfill enabled, files already in the
// inbox are submitted in the background, oldest first.
func (fw *FileWatcher) Start() error {
	if err := os.MkdirAll(fw.opts.WatchDir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w
	fw.ctx, fw.cancel = context.WithCancel(context.Background())

	dirCount := 0
	err = filepath.WalkDir(fw.opts.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.opts.WatchDir).
		Str("destination", fw.opts.DestinationDir).
		Msg("file watcher initialized")

	go fw.watchLoop()

	if fw.opts.Backfill {
		go fw.backfill()
	} else {
		fw.status.Store("watching")
	}
	return nil
}

// Stop closes the fsnotify watcher and cancels pending submissions.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
		<-fw.done
	}

	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.log.Info().
		Int64("files_queued", fw.filesQueued.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() *api.WatcherStatusData {
	s, _ := fw.status.Load().(string)
	return &api.WatcherStatusData{
		Status:       s,
		WatchDir:     fw.opts.WatchDir,
		FilesQueued:  fw.filesQueued.Load(),
		FilesSkipped: fw.filesSkipped.Load(),
	}
}

func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New subdirectory: watch it too.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					fw.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !isInboxFile(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing so the file is fully written
// before it is read.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(debounce)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(debounce, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		if fw.ctx.Err() != nil {
			return
		}
		fw.submit(path)
	})
}

// submit queues a local-file job for path unless that version of the file
// was already submitted.
func (fw *FileWatcher) submit(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fw.log.Debug().Err(err).Str("path", path).Msg("inbox file vanished before submission")
		return
	}
	if info.Size() == 0 {
		fw.filesSkipped.Add(1)
		return
	}

	fw.seenMu.Lock()
	if mod, ok := fw.seen[path]; ok && mod.Equal(info.ModTime()) {
		fw.seenMu.Unlock()
		return
	}
	fw.seen[path] = info.ModTime()
	fw.seenMu.Unlock()

	id, ok := fw.opts.Submitter.Enqueue(jobs.Job{
		Source: jobs.SourceWatcher,
		Request: pipeline.Request{
			LocalFile:            path,
			DestinationBucketDir: fw.opts.DestinationDir,
		},
	})
	if !ok {
		fw.seenMu.Lock()
		delete(fw.seen, path)
		fw.seenMu.Unlock()
		fw.filesSkipped.Add(1)
		fw.log.Warn().Str("path", path).Msg("job queue full, inbox file not submitted")
		return
	}
	fw.filesQueued.Add(1)
	fw.log.Info().Str("path", path).Str("job_id", id).Msg("inbox file submitted")
}

// backfill submits .txt files already in the inbox, oldest first.
func (fw *FileWatcher) backfill() {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path string
		mod  time.Time
	}
	var files []fileEntry
	_ = filepath.WalkDir(fw.opts.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isInboxFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, mod: info.ModTime()})
		return nil
	})
	sort.Slice(files, func(i, j int) bool {
		return files[i].mod.Before(files[j].mod)
	})

	fw.log.Info().Int("files", len(files)).Msg("backfill starting")
	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.submit(f.path)
	}

	fw.status.Store("watching")
	fw.log.Info().
		Int("files", len(files)).
		Dur("elapsed", time.Since(start)).
		Msg("backfill complete")
}

func isInboxFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".txt")
}
