package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	metaSuffix = ".meta.json"
	tmpPrefix  = ".obj-"

	localLockWait  = 2 * time.Second
	localLockRetry = 25 * time.Millisecond
)

// LocalStore keeps objects on the local filesystem. User metadata lives in a
// JSON sidecar next to each object.
type LocalStore struct {
	dir string
	mu  sync.Mutex
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata"`
}

// NewLocalStore creates a local filesystem object store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, lockSuffix) || strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(keys)

	out := make([]Object, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj, err := s.Head(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (s *LocalStore) Head(ctx context.Context, key string) (Object, error) {
	path, err := s.path(key)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return Object{}, fmt.Errorf("stat %s: %w", key, err)
	}
	sc, err := readSidecar(path + metaSuffix)
	if err != nil {
		return Object{}, fmt.Errorf("read metadata %s: %w", key, err)
	}
	return Object{
		Key:         key,
		Size:        info.Size(),
		ContentType: sc.ContentType,
		Metadata:    sc.Metadata,
	}, nil
}

func (s *LocalStore) Read(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// UpdateMetadata serializes updates within the process with a mutex and
// across processes with an advisory lock on <key>.lock.
func (s *LocalStore) UpdateMetadata(ctx context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", key, err)
	}

	lock := flock.New(path + lockSuffix)
	lctx, cancel := context.WithTimeout(ctx, localLockWait)
	defer cancel()
	locked, err := lock.TryLockContext(lctx, localLockRetry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", key, ErrConflict)
	}
	defer lock.Unlock()

	sc, err := readSidecar(path + metaSuffix)
	if err != nil {
		return fmt.Errorf("read metadata %s: %w", key, err)
	}
	if err := fn(sc.Metadata); err != nil {
		return err
	}
	return writeSidecar(path+metaSuffix, sc)
}

func (s *LocalStore) Upload(ctx context.Context, key, localPath, contentType string, metadata map[string]string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if err := atomicWrite(path, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return writeSidecar(path+metaSuffix, sidecar{ContentType: contentType, Metadata: cloneMeta(metadata)})
}

func (s *LocalStore) Type() string { return "local" }

// path maps key to a file under the store root. Keys that resolve outside
// the root are reported as not found.
func (s *LocalStore) path(key string) (string, error) {
	p := filepath.Join(s.dir, filepath.FromSlash(strings.TrimLeft(key, "/")))
	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return p, nil
}

func readSidecar(path string) (sidecar, error) {
	sc := sidecar{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return sc, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sc); err != nil {
			return sc, err
		}
	}
	if sc.Metadata == nil {
		sc.Metadata = map[string]string{}
	}
	return sc, nil
}

func writeSidecar(path string, sc sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return atomicWrite(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// atomicWrite writes to a temp file in the target directory and renames it
// into place.
func atomicWrite(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
