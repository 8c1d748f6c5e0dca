package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFileWriter is an io.WriteCloser that starts a new file once the
// current one would exceed maxSize. Rotated files are named
// <name>-<YYYYMMDD-HHMMSS>.<n><ext> and at most maxBackups are kept.
type RotatingFileWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	size       int64
	seq        int
	now        func() time.Time
}

// NewRotatingFileWriter creates a new rotating file writer
func NewRotatingFileWriter(filePath string, maxSize int64, maxBackups int) (*RotatingFileWriter, error) {
	w := &RotatingFileWriter{
		filePath:   filePath,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		now:        time.Now,
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	info, err := w.file.Stat()
	if err != nil {
		_ = w.file.Close()
		return nil, err
	}
	w.size = info.Size()

	return w, nil
}

// Write implements io.Writer
func (w *RotatingFileWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// An oversized single record still goes into a fresh file
	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingFileWriter) openFile() error {
	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w.file = file
	return nil
}

func (w *RotatingFileWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
	}

	w.seq++
	if err := os.Rename(w.filePath, w.backupName(w.seq)); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := w.prune(); err != nil {
		return err
	}

	if err := w.openFile(); err != nil {
		return err
	}

	w.size = 0
	return nil
}

// prune removes the oldest backups beyond maxBackups
func (w *RotatingFileWriter) prune() error {
	backups, err := w.backups()
	if err != nil {
		return err
	}
	if len(backups) <= w.maxBackups {
		return nil
	}
	for _, old := range backups[:len(backups)-w.maxBackups] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// backups lists rotated files, oldest first
func (w *RotatingFileWriter) backups() ([]string, error) {
	dir := filepath.Dir(w.filePath)
	name, ext := w.nameParts()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var found []backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if !strings.HasPrefix(n, name+"-") || !strings.HasSuffix(n, ext) || n == filepath.Base(w.filePath) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, backup{path: filepath.Join(dir, n), modTime: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].modTime.Equal(found[j].modTime) {
			return found[i].path < found[j].path
		}
		return found[i].modTime.Before(found[j].modTime)
	})

	paths := make([]string, len(found))
	for i, b := range found {
		paths[i] = b.path
	}
	return paths, nil
}

func (w *RotatingFileWriter) nameParts() (string, string) {
	base := filepath.Base(w.filePath)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)], ext
}

func (w *RotatingFileWriter) backupName(seq int) string {
	name, ext := w.nameParts()
	stamp := w.now().Format("20060102-150405")
	return filepath.Join(filepath.Dir(w.filePath), fmt.Sprintf("%s-%s.%d%s", name, stamp, seq, ext))
}

var _ io.WriteCloser = (*RotatingFileWriter)(nil)
