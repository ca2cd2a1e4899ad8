package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGallery(t *testing.T) *Gallery {
	t.Helper()
	g, err := New(filepath.Join(t.TempDir(), "pictures"), zap.NewNop().Sugar())
	require.NoError(t, err)
	return g
}

func writeFile(t *testing.T, g *Gallery, name string, size int) string {
	t.Helper()
	p := filepath.Join(g.Dir(), name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0600))
	return p
}

func TestAnnounce(t *testing.T) {
	g := newGallery(t)
	latest, err := g.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, g.Announce(writeFile(t, g, "IMG_20240101_000000.dng", 10)))
	require.NoError(t, g.Announce(writeFile(t, g, "IMG_20240101_000001.dng", 2048)))

	info, err := g.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)

	latest, err = g.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "IMG_20240101_000001.dng", latest.Name)
	assert.Equal(t, "2.0 kB", latest.Size)
	assert.EqualValues(t, 2048, latest.Bytes)
}

func TestAnnounceRejectsForeignPaths(t *testing.T) {
	g := newGallery(t)
	assert.ErrorIs(t, g.Announce(filepath.Join(t.TempDir(), "x.dng")), ErrNotInGallery)
	assert.Error(t, g.Announce(filepath.Join(g.Dir(), "missing.dng")))
}

func TestListImages(t *testing.T) {
	g := newGallery(t)
	writeFile(t, g, "IMG_1.dng", 1)
	writeFile(t, g, "notes.txt", 1)
	require.NoError(t, os.Mkdir(filepath.Join(g.Dir(), "sub.dng"), 0750))

	files, err := g.ListImages()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "IMG_1.dng", files[0].Name)
}

func TestPath(t *testing.T) {
	g := newGallery(t)
	p, err := g.Path("IMG_1.dng")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(g.Dir(), "IMG_1.dng"), p)

	for _, bad := range []string{"", "../IMG_1.dng", "info.json", "a/IMG_1.dng"} {
		_, err := g.Path(bad)
		assert.ErrorIs(t, err, ErrNotInGallery, bad)
	}
}

func TestNewKeepsExistingIndex(t *testing.T) {
	g := newGallery(t)
	require.NoError(t, g.Announce(writeFile(t, g, "IMG_1.dng", 1)))

	g2, err := New(g.Dir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	info, err := g2.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count)
}
