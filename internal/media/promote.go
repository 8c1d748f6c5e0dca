package media

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Promote moves tmp to dest, creating dest's directory. When the rename
// fails (tmp on another filesystem) it copies instead and removes tmp on a
// best-effort basis.
func Promote(tmp, dest string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}

	renameErr := os.Rename(tmp, dest)
	if renameErr == nil {
		logger.Debug("Media promoted", "path", dest)
		return nil
	}

	if err := copyFile(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("promote %s: rename: %v: copy: %w", dest, renameErr, err)
	}
	if err := os.Remove(tmp); err != nil {
		logger.Warn("Temp file not removed", "path", tmp, "error", err)
	}
	logger.Info("Media promoted by copy", "path", dest, "rename_error", renameErr)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// KeepSmaller compares raw with the transcoded candidate and keeps only the
// smaller one. A candidate strictly smaller than raw is promoted to target
// and raw is deleted; otherwise the candidate is deleted. It returns the
// path that remains.
func KeepSmaller(raw, candidate, target string, logger *slog.Logger) (string, error) {
	rawSize, ok := fileSize(raw)
	if !ok {
		_ = os.Remove(candidate)
		return "", fmt.Errorf("raw file %s missing", raw)
	}
	candSize, ok := fileSize(candidate)
	if !ok {
		return raw, fmt.Errorf("transcoded file %s missing", candidate)
	}

	if candSize >= rawSize {
		if err := os.Remove(candidate); err != nil {
			return raw, fmt.Errorf("remove candidate: %w", err)
		}
		logger.Debug("Transcode discarded", "path", raw, "raw_bytes", rawSize, "transcoded_bytes", candSize)
		return raw, nil
	}

	if err := Promote(candidate, target, logger); err != nil {
		return raw, err
	}
	if target != raw {
		if err := os.Remove(raw); err != nil {
			return target, fmt.Errorf("remove raw: %w", err)
		}
	}
	logger.Debug("Transcode kept", "path", target, "raw_bytes", rawSize, "transcoded_bytes", candSize)
	return target, nil
}
