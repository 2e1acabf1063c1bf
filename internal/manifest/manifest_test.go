package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/poem-engine/internal/timing"
)

func TestFromWindows_PreservesOrderAndDurations(t *testing.T) {
	windows := []timing.Window{
		{Label: "cat", Start: 0, End: 4.0, ImageRef: "../image/frame/cat.jpg"},
		{Label: "dog", Start: 4.0, End: 6.5, ImageRef: "../image/frame/dog.jpg"},
		{Label: "mat", Start: 6.5, End: 7.25, ImageRef: "../image/frame/mat.jpg"},
	}

	m := FromWindows(windows)

	require.Len(t, m.Entries, 3)
	for i, w := range windows {
		assert.Equal(t, w.ImageRef, m.Entries[i].ImageRef)
		assert.InDelta(t, w.End-w.Start, m.Entries[i].Duration, 1e-9)
	}
	assert.Equal(t, "../image/frame/mat.jpg", m.Sentinel)
	assert.InDelta(t, 7.25, m.Total(), 1e-9)
}

func TestTitleCard_Pads(t *testing.T) {
	m := TitleCard("../image/frame/title-frame-full.jpg", 2.5)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, 3.5, m.Entries[0].Duration)
	assert.Equal(t, "../image/frame/title-frame-full.jpg", m.Sentinel)
}

func TestWriteTo_Format(t *testing.T) {
	m := FromWindows([]timing.Window{
		{Start: 0, End: 4, ImageRef: "../image/frame/cat.jpg"},
		{Start: 4, End: 6.5, ImageRef: "../image/frame/dog.jpg"},
	})

	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	require.NoError(t, err)

	want := "ffconcat version 1.0\n" +
		"file ../image/frame/cat.jpg\n" +
		"duration 4\n" +
		"file ../image/frame/dog.jpg\n" +
		"duration 2.5\n" +
		"file ../image/frame/dog.jpg\n"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, int64(len(want)), n)
}

func TestWriteTo_Empty(t *testing.T) {
	_, err := FromWindows(nil).WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "title-concat.txt")
	require.NoError(t, TitleCard("title.jpg", 1).WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ffconcat version 1.0\nfile title.jpg\nduration 2\nfile title.jpg\n", string(data))
}
