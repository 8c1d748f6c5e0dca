package media

import (
	"context"
	"fmt"
	"image"
	_ "image/gif" // decoders
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/masahif/itemtadoru/internal/logging"
)

// MaxThumbnailImages caps the images sampled for one montage
const MaxThumbnailImages = 16

// DefaultCellSize is the pixel edge of one montage cell
const DefaultCellSize = 256

// GridSize returns the montage edge in cells for n images
func GridSize(n int) int {
	switch {
	case n >= 16:
		return 4
	case n >= 9:
		return 3
	default:
		return 2
	}
}

// Thumbnailer composes per-item montages under the thumbnails tree
type Thumbnailer struct {
	layout  Layout
	encoder Encoder
	cell    int
	logger  *slog.Logger
	group   singleflight.Group

	shuffle func(n int, swap func(i, j int))
}

// NewThumbnailer returns a thumbnailer writing into layout. encoder may be
// nil, in which case montages stay JPEG.
func NewThumbnailer(layout Layout, encoder Encoder, cell int, logger *slog.Logger) *Thumbnailer {
	if cell <= 0 {
		cell = DefaultCellSize
	}
	return &Thumbnailer{
		layout:  layout,
		encoder: encoder,
		cell:    cell,
		logger:  logging.Component(logger, "thumbnail"),
		shuffle: rand.Shuffle,
	}
}

// Generate builds the montage of the item directory dir. It reports false
// when no image could be used. Concurrent calls for the same directory share
// one run.
func (t *Thumbnailer) Generate(ctx context.Context, dir, source string, force bool) bool {
	itemID := filepath.Base(dir)
	if !SafeSegment(source) || !SafeSegment(itemID) || filepath.Clean(dir) != t.layout.DownloadDir(source, itemID) {
		t.logger.Error("Thumbnail source outside the download tree", "source", source, "dir", dir)
		return false
	}
	key := source + "\x00" + dir
	v, _, _ := t.group.Do(key, func() (any, error) {
		return t.generate(ctx, dir, source, force), nil
	})
	return v.(bool)
}

func (t *Thumbnailer) encoderAvailable() bool {
	return t.encoder != nil && t.encoder.Available()
}

func (t *Thumbnailer) generate(ctx context.Context, dir, source string, force bool) bool {
	itemID := filepath.Base(dir)
	transcoded := t.layout.ThumbnailPath(source, itemID, TranscodedExt)
	raw := t.layout.ThumbnailPath(source, itemID, RawThumbnailExt)

	if !force {
		if _, ok := fileSize(transcoded); ok {
			return true
		}
		if _, ok := fileSize(raw); ok {
			if !t.encoderAvailable() {
				return true
			}
			if err := t.transcode(ctx, raw, transcoded); err != nil {
				t.logger.Warn("Thumbnail transcode failed", "path", raw, "error", err)
				return true
			}
			_ = os.Remove(raw)
			return true
		}
	}

	tiles := t.loadTiles(dir)
	if len(tiles) == 0 {
		t.logger.Info("No images for thumbnail", "source", source, "dir", dir)
		return false
	}

	montage := t.compose(tiles)

	if err := os.MkdirAll(t.layout.TempDir(), 0750); err != nil {
		t.logger.Error("Temp directory unavailable", "path", t.layout.TempDir(), "error", err)
		return false
	}
	tmp := t.layout.TempPath(RawThumbnailExt)
	if err := writeJPEG(tmp, montage); err != nil {
		_ = os.Remove(tmp)
		t.logger.Error("Thumbnail write failed", "source", source, "item_id", itemID, "error", err)
		return false
	}

	if t.encoderAvailable() {
		err := t.transcode(ctx, tmp, transcoded)
		_ = os.Remove(tmp)
		if err == nil {
			_ = os.Remove(raw)
			t.logger.Debug("Thumbnail generated", "path", transcoded, "images", len(tiles))
			return true
		}
		t.logger.Warn("Thumbnail transcode failed", "source", source, "item_id", itemID, "error", err)
		return false
	}

	if err := Promote(tmp, raw, t.logger); err != nil {
		t.logger.Error("Thumbnail promote failed", "path", raw, "error", err)
		return false
	}
	// A forced JPEG montage replaces any older transcoded one
	_ = os.Remove(transcoded)
	t.logger.Debug("Thumbnail generated", "path", raw, "images", len(tiles))
	return true
}

// loadTiles decodes a random sample of at most MaxThumbnailImages images
func (t *Thumbnailer) loadTiles(dir string) []image.Image {
	var names []string
	for _, name := range MediaFiles(dir) {
		if IsImage(name) {
			names = append(names, name)
		}
	}
	t.shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	if len(names) > MaxThumbnailImages {
		names = names[:MaxThumbnailImages]
	}

	tiles := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := decodeImage(filepath.Join(dir, name))
		if err != nil {
			t.logger.Debug("Image skipped", "path", name, "error", err)
			continue
		}
		tiles = append(tiles, img)
	}
	return tiles
}

func (t *Thumbnailer) compose(tiles []image.Image) *image.RGBA {
	grid := GridSize(len(tiles))
	edge := grid * t.cell
	montage := image.NewRGBA(image.Rect(0, 0, edge, edge))
	draw.Draw(montage, montage.Bounds(), image.White, image.Point{}, draw.Src)

	for i, img := range tiles {
		if i >= grid*grid {
			break
		}
		x := (i % grid) * t.cell
		y := (i / grid) * t.cell
		cell := image.Rect(x, y, x+t.cell, y+t.cell)
		draw.CatmullRom.Scale(montage, cell, img, squareCrop(img.Bounds()), draw.Src, nil)
	}
	return montage
}

func (t *Thumbnailer) transcode(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(t.layout.TempDir(), 0750); err != nil {
		return err
	}
	candidate := t.layout.TempPath(TranscodedExt)
	if err := t.encoder.Encode(ctx, in, candidate); err != nil {
		_ = os.Remove(candidate)
		return err
	}
	return Promote(candidate, out, t.logger)
}

// squareCrop returns the centred square of r with the shorter side as edge
func squareCrop(r image.Rectangle) image.Rectangle {
	w, h := r.Dx(), r.Dy()
	if w > h {
		off := (w - h) / 2
		return image.Rect(r.Min.X+off, r.Min.Y, r.Min.X+off+h, r.Max.Y)
	}
	off := (h - w) / 2
	return image.Rect(r.Min.X, r.Min.Y+off, r.Max.X, r.Min.Y+off+w)
}

func decodeImage(p string) (image.Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
	}
	return img, nil
}

func writeJPEG(p string, img image.Image) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
