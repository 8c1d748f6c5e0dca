// Package media acquires and transcodes item media: probing, de-duplicated
// downloads, promotion into the download tree, size-guarded transcoding and
// thumbnail montages.
package media

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TranscodedExt is the extension of the efficient still-image format
const TranscodedExt = ".webp"

// RawThumbnailExt is the extension of an untranscoded montage
const RawThumbnailExt = ".jpg"

// Layout maps sources and items onto the directory tree under Root:
//
//	<root>/download/<source>/<itemId>/<filename>
//	<root>/thumbnails/<source>/<itemId>.<ext>
//	<root>/temp/
type Layout struct {
	Root string
}

// DownloadDir returns the media directory of one item
func (l Layout) DownloadDir(source, itemID string) string {
	return filepath.Join(l.Root, "download", source, itemID)
}

// DownloadPath returns the destination of one media file
func (l Layout) DownloadPath(source, itemID, filename string) string {
	return filepath.Join(l.DownloadDir(source, itemID), filename)
}

// ThumbnailPath returns the montage path of one item; ext includes the dot
func (l Layout) ThumbnailPath(source, itemID, ext string) string {
	return filepath.Join(l.Root, "thumbnails", source, itemID+ext)
}

// SafeSegment reports whether s can name one directory level or file of the
// layout. Empty names, "." and "..", separators and absolute paths are
// rejected, so remote identifiers cannot leave the tree.
func SafeSegment(s string) bool {
	return s != "" && s != "." && !strings.ContainsAny(s, `/\`) && filepath.IsLocal(s)
}

// InDownloads reports whether p lies strictly inside the download tree
func (l Layout) InDownloads(p string) bool {
	rel, err := filepath.Rel(filepath.Join(l.Root, "download"), p)
	return err == nil && rel != "." && filepath.IsLocal(rel)
}

// TempDir returns the transient artifact directory
func (l Layout) TempDir() string {
	return filepath.Join(l.Root, "temp")
}

// TempPath returns a unique path under TempDir with the given extension
func (l Layout) TempPath(ext string) string {
	return filepath.Join(l.TempDir(), uuid.NewString()+ext)
}

// ClearTemp empties TempDir, creating it if needed. Called once per run
// before any task is scheduled.
func (l Layout) ClearTemp() error {
	if err := os.RemoveAll(l.TempDir()); err != nil {
		return err
	}
	return os.MkdirAll(l.TempDir(), 0750)
}

// TranscodedPath swaps the extension of p for TranscodedExt
func TranscodedPath(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + TranscodedExt
}

// FileNameFromURL returns the last path segment of rawURL without query or
// fragment, or "" when there is none.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".m3u8": true, ".mov": true, ".webm": true, ".m4v": true,
}

var metadataExts = map[string]bool{
	".json": true, ".txt": true, ".xml": true, ".part": true, ".tmp": true,
}

// IsMetadata reports whether name is a sidecar rather than media
func IsMetadata(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") || metadataExts[strings.ToLower(filepath.Ext(base))]
}

// IsImage reports whether name has a still-image extension
func IsImage(name string) bool {
	return !IsMetadata(name) && imageExts[strings.ToLower(filepath.Ext(name))]
}

// IsVideo reports whether a URL or file name points at a video stream
func IsVideo(name string) bool {
	if n := FileNameFromURL(name); n != "" {
		name = n
	}
	return videoExts[strings.ToLower(filepath.Ext(name))]
}

// MediaFiles lists the non-metadata file names of dir, sorted by name.
// A missing directory yields nil.
func MediaFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || IsMetadata(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

func fileSize(p string) (int64, bool) {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}
