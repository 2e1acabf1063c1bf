package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *LocalStore, key, content string, meta map[string]string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	require.NoError(t, s.Upload(context.Background(), key, src, "text/plain", meta))
}

func TestLocalStore_UploadHeadRead(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	seed(t, s, "ads/sofa.txt", "Sofa\nComfy sofa.", map[string]string{"ad-url": "https://example.com/1"})

	obj, err := s.Head(ctx, "ads/sofa.txt")
	require.NoError(t, err)
	assert.Equal(t, "ads/sofa.txt", obj.Key)
	assert.Equal(t, int64(len("Sofa\nComfy sofa.")), obj.Size)
	assert.Equal(t, "text/plain", obj.ContentType)
	assert.Equal(t, "https://example.com/1", obj.Metadata["ad-url"])

	data, err := s.Read(ctx, "ads/sofa.txt")
	require.NoError(t, err)
	assert.Equal(t, "Sofa\nComfy sofa.", string(data))
	assert.Equal(t, "local", s.Type())
}

func TestLocalStore_NotFound(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	_, err := s.Head(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Read(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.UpdateMetadata(ctx, "missing.txt", func(map[string]string) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_KeysOutsideRootNotFound(t *testing.T) {
	root := t.TempDir()
	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("Secret title\nbody"), 0o644))
	s := NewLocalStore(filepath.Join(root, "store"))
	ctx := context.Background()

	for _, key := range []string{"../secret.txt", "ads/../../secret.txt", "/../secret.txt"} {
		t.Run(key, func(t *testing.T) {
			_, err := s.Head(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Read(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
			err = s.UpdateMetadata(ctx, key, func(m map[string]string) error {
				m["in-use"] = "true"
				return nil
			})
			assert.ErrorIs(t, err, ErrNotFound)
			err = s.Upload(ctx, key, secret, "text/plain", nil)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
	assert.NoFileExists(t, secret+metaSuffix)
}

func TestLocalStore_ListSortedAndFiltered(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	seed(t, s, "ads/b.txt", "B\nb", nil)
	seed(t, s, "ads/a.txt", "A\na", nil)
	seed(t, s, "other/c.txt", "C\nc", nil)
	require.NoError(t, s.UpdateMetadata(ctx, "ads/a.txt", func(m map[string]string) error {
		m["in-use"] = "true"
		return nil
	}))

	objs, err := s.List(ctx, "ads/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "ads/a.txt", objs[0].Key)
	assert.Equal(t, "ads/b.txt", objs[1].Key)
	assert.Equal(t, "true", objs[0].Metadata["in-use"])

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalStore_ListMissingDir(t *testing.T) {
	s := NewLocalStore(filepath.Join(t.TempDir(), "nope"))
	objs, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestLocalStore_UpdateMetadataMerges(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	seed(t, s, "ad.txt", "T\nb", map[string]string{"ad-title": "T", "ad-posted-time": "2024-01-02"})

	require.NoError(t, s.UpdateMetadata(ctx, "ad.txt", func(m map[string]string) error {
		m["in-use"] = "true"
		return nil
	}))

	obj, err := s.Head(ctx, "ad.txt")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"ad-title":       "T",
		"ad-posted-time": "2024-01-02",
		"in-use":         "true",
	}, obj.Metadata)
	assert.Equal(t, "text/plain", obj.ContentType)
}

func TestLocalStore_UpdateMetadataAbort(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	seed(t, s, "ad.txt", "T\nb", map[string]string{"in-use": "false"})

	errBusy := errors.New("busy")
	err := s.UpdateMetadata(ctx, "ad.txt", func(m map[string]string) error {
		m["in-use"] = "true"
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)

	obj, err := s.Head(ctx, "ad.txt")
	require.NoError(t, err)
	assert.Equal(t, "false", obj.Metadata["in-use"])
}

func TestLocalStore_ConcurrentUpdatesSerialize(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	seed(t, s, "counter.txt", "x", map[string]string{"n": "0"})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateMetadata(ctx, "counter.txt", func(m map[string]string) error {
				v, _ := strconv.Atoi(m["n"])
				m["n"] = strconv.Itoa(v + 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	obj, err := s.Head(ctx, "counter.txt")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(n), obj.Metadata["n"])
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "ads/my%20dir/sofa%3F.txt", copySource("ads", "my dir/sofa?.txt"))
}
