package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahif/itemtadoru/internal/logging"
)

func writePNG(t *testing.T, p string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0750))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func montageBounds(t *testing.T, p string) image.Rectangle {
	t.Helper()
	f, err := os.Open(p)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	return image.Rect(0, 0, cfg.Width, cfg.Height)
}

func newTestThumbnailer(t *testing.T, encoder Encoder) (*Thumbnailer, Layout) {
	t.Helper()
	layout := Layout{Root: t.TempDir()}
	th := NewThumbnailer(layout, encoder, 32, logging.Discard())
	return th, layout
}

func TestGridSize(t *testing.T) {
	tests := []struct {
		images int
		want   int
	}{
		{1, 2}, {4, 2}, {8, 2}, {9, 3}, {15, 3}, {16, 4}, {40, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d images", tt.images), func(t *testing.T) {
			assert.Equal(t, tt.want, GridSize(tt.images))
		})
	}
}

func TestSquareCrop(t *testing.T) {
	assert.Equal(t, image.Rect(25, 0, 75, 50), squareCrop(image.Rect(0, 0, 100, 50)))
	assert.Equal(t, image.Rect(0, 10, 40, 50), squareCrop(image.Rect(0, 0, 40, 60)))
	assert.Equal(t, image.Rect(5, 5, 25, 25), squareCrop(image.Rect(5, 5, 25, 25)))
}

func TestGenerateGrid(t *testing.T) {
	tests := []struct {
		images int
		edge   int
	}{
		{3, 2 * 32},
		{10, 3 * 32},
		{20, 4 * 32},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d images", tt.images), func(t *testing.T) {
			th, layout := newTestThumbnailer(t, nil)
			dir := layout.DownloadDir("shop", "42")
			for i := 0; i < tt.images; i++ {
				writePNG(t, filepath.Join(dir, fmt.Sprintf("%02d.png", i)), 40+i, 30)
			}
			writeFile(t, filepath.Join(dir, "meta.json"), 3)

			require.True(t, th.Generate(context.Background(), dir, "shop", false))

			raw := layout.ThumbnailPath("shop", "42", RawThumbnailExt)
			assert.Equal(t, image.Rect(0, 0, tt.edge, tt.edge), montageBounds(t, raw))
		})
	}
}

func TestGenerateNoImages(t *testing.T) {
	th, layout := newTestThumbnailer(t, nil)
	dir := layout.DownloadDir("shop", "1")
	writeFile(t, filepath.Join(dir, "meta.json"), 3)
	writeFile(t, filepath.Join(dir, "broken.jpg"), 3)

	assert.False(t, th.Generate(context.Background(), dir, "shop", false))
	assert.False(t, exists(layout.ThumbnailPath("shop", "1", RawThumbnailExt)))
	assert.False(t, exists(layout.ThumbnailPath("shop", "1", TranscodedExt)))
}

func TestGenerateTranscodes(t *testing.T) {
	enc := &fakeEncoder{available: true, size: 10}
	th, layout := newTestThumbnailer(t, enc)
	dir := layout.DownloadDir("shop", "42")
	writePNG(t, filepath.Join(dir, "a.png"), 20, 20)

	require.True(t, th.Generate(context.Background(), dir, "shop", false))

	assert.True(t, exists(layout.ThumbnailPath("shop", "42", TranscodedExt)))
	assert.False(t, exists(layout.ThumbnailPath("shop", "42", RawThumbnailExt)))
	assert.Equal(t, 1, enc.calls)

	entries, err := os.ReadDir(layout.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerateSkipsExisting(t *testing.T) {
	enc := &fakeEncoder{available: true, size: 10}
	th, layout := newTestThumbnailer(t, enc)
	dir := layout.DownloadDir("shop", "42")
	writePNG(t, filepath.Join(dir, "a.png"), 20, 20)
	writeFile(t, layout.ThumbnailPath("shop", "42", TranscodedExt), 4)

	require.True(t, th.Generate(context.Background(), dir, "shop", false))
	assert.Equal(t, 0, enc.calls)

	require.True(t, th.Generate(context.Background(), dir, "shop", true))
	assert.Equal(t, 1, enc.calls, "force regenerates")
}

func TestGenerateTranscodesRawInPlace(t *testing.T) {
	enc := &fakeEncoder{available: true, size: 10}
	th, layout := newTestThumbnailer(t, enc)
	dir := layout.DownloadDir("shop", "42")
	raw := layout.ThumbnailPath("shop", "42", RawThumbnailExt)
	writeFile(t, raw, 50)

	// No source images: the raw montage is transcoded, not rebuilt
	require.True(t, th.Generate(context.Background(), dir, "shop", false))
	assert.False(t, exists(raw))
	assert.True(t, exists(layout.ThumbnailPath("shop", "42", TranscodedExt)))
	assert.Equal(t, 1, enc.calls)
}

func TestGenerateSamplesAtMostSixteen(t *testing.T) {
	th, layout := newTestThumbnailer(t, nil)
	var mu sync.Mutex
	shuffled := 0
	th.shuffle = func(n int, swap func(i, j int)) {
		mu.Lock()
		shuffled = n
		mu.Unlock()
	}

	dir := layout.DownloadDir("shop", "9")
	for i := 0; i < 20; i++ {
		writePNG(t, filepath.Join(dir, fmt.Sprintf("%02d.png", i)), 8, 8)
	}

	require.True(t, th.Generate(context.Background(), dir, "shop", false))
	assert.Equal(t, 20, shuffled)
	assert.Len(t, th.loadTiles(dir), MaxThumbnailImages)
}

func TestGenerateRejectsOutsideTree(t *testing.T) {
	th, layout := newTestThumbnailer(t, nil)
	outside := filepath.Join(layout.Root, "elsewhere", "42")
	writePNG(t, filepath.Join(outside, "a.png"), 20, 20)

	assert.False(t, th.Generate(context.Background(), outside, "shop", false))
	assert.False(t, th.Generate(context.Background(), layout.DownloadDir("shop", "42"), "../shop", false))
	assert.NoFileExists(t, layout.ThumbnailPath("shop", "42", RawThumbnailExt))
}
