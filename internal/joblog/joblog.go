// Package joblog gives every job run its own numbered log file.
//
// Files are named log-N.txt, where N is one more than the highest number
// already in the directory (starting at 0). Numbers are allocated under a
// directory lock so concurrent jobs, in this process or another, never share
// a file.
package joblog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const lockName = ".joblog.lock"

var (
	namePattern = regexp.MustCompile(`^log-(\d+)\.txt$`)
	allocMu     sync.Mutex
)

// Log is the logging context of one job run.
type Log struct {
	Number int
	Path   string
	Logger zerolog.Logger

	file *os.File
}

// Open allocates the next log number in dir and returns a logger that writes
// every level to the file and mirrors events at consoleLevel and above to
// console. A nil console disables mirroring.
func Open(dir, jobID string, console io.Writer, consoleLevel zerolog.Level) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	n, f, err := allocate(dir)
	if err != nil {
		return nil, err
	}

	writers := []io.Writer{f}
	if console != nil {
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: console},
			Level:  consoleLevel,
		})
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Str("job_id", jobID).
		Int("log", n).
		Logger()

	return &Log{Number: n, Path: f.Name(), Logger: logger, file: f}, nil
}

// Nop returns a log context that discards everything.
func Nop() *Log {
	return &Log{Number: -1, Logger: zerolog.Nop()}
}

// Close closes the log file.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func allocate(dir string) (int, *os.File, error) {
	allocMu.Lock()
	defer allocMu.Unlock()

	lock := flock.New(filepath.Join(dir, lockName))
	if err := lock.Lock(); err != nil {
		return 0, nil, fmt.Errorf("lock log dir: %w", err)
	}
	defer lock.Unlock()

	n, err := Next(dir)
	if err != nil {
		return 0, nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("log-%d.txt", n))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, nil, fmt.Errorf("create job log: %w", err)
	}
	return n, f, nil
}

// Next returns the number the next log file in dir would get.
func Next(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log dir: %w", err)
	}
	next := 0
	for _, e := range entries {
		m := namePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v+1 > next {
			next = v + 1
		}
	}
	return next, nil
}
