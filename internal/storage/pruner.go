package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkspacePruner evicts old job workspaces from the local work directory.
// Workspaces are normally removed when a job ends; this catches those kept
// with KEEP_WORK_DIR and those left behind by a crash.
type WorkspacePruner struct {
	workDir   string
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWorkspacePruner creates a pruner that removes workspaces not modified
// within retention. A zero retention disables pruning.
func NewWorkspacePruner(workDir string, retention time.Duration, log zerolog.Logger) *WorkspacePruner {
	return &WorkspacePruner{
		workDir:   workDir,
		retention: retention,
		interval:  1 * time.Hour,
		log:       log.With().Str("component", "workspace-pruner").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *WorkspacePruner) Start() {
	go p.loop()
}

func (p *WorkspacePruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *WorkspacePruner) loop() {
	defer close(p.done)
	// Run once on startup to clear any backlog from downtime
	p.Prune(time.Now())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Prune(time.Now())
		case <-p.stop:
			return
		}
	}
}

// Prune removes every workspace whose newest file is older than
// now - retention. It returns the number of workspaces removed.
func (p *WorkspacePruner) Prune(now time.Time) int {
	if p.retention <= 0 {
		return 0
	}
	entries, err := os.ReadDir(p.workDir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("dir", p.workDir).Msg("read work dir failed")
		}
		return 0
	}

	cutoff := now.Add(-p.retention)
	var pruned int
	var freed int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(p.workDir, e.Name())
		newest, size := scanTree(path)
		if newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			p.log.Warn().Err(err).Str("workspace", e.Name()).Msg("remove workspace failed")
			continue
		}
		pruned++
		freed += size
	}

	if pruned > 0 {
		p.log.Info().
			Int("pruned", pruned).
			Str("freed", humanizeBytes(freed)).
			Msg("workspace prune complete")
	}
	return pruned
}

// scanTree returns the newest modification time under root and the total
// size of its files. A running job keeps writing, so its newest time stays
// recent.
func scanTree(root string) (time.Time, int64) {
	var newest time.Time
	var size int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return newest, size
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
