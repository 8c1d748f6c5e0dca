package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrEncoderUnavailable is returned when the external binary is not installed
var ErrEncoderUnavailable = errors.New("encoder binary not available")

// Encoder converts a still image into the efficient format
type Encoder interface {
	Available() bool
	Encode(ctx context.Context, in, out string) error
}

// Remuxer copies a remote stream into a local container without re-encoding
type Remuxer interface {
	Available() bool
	Remux(ctx context.Context, url, out string) error
}

// ExecEncoder runs cwebp
type ExecEncoder struct {
	Path    string
	Quality int
}

// Available reports whether the binary is on PATH
func (e ExecEncoder) Available() bool {
	return lookPath(e.Path)
}

// Encode runs `cwebp -quiet -q <quality> in -o out`
func (e ExecEncoder) Encode(ctx context.Context, in, out string) error {
	if !e.Available() {
		return ErrEncoderUnavailable
	}
	return run(ctx, e.Path, "-quiet", "-q", strconv.Itoa(e.Quality), in, "-o", out)
}

// ExecRemuxer runs ffmpeg
type ExecRemuxer struct {
	Path string
}

// Available reports whether the binary is on PATH
func (r ExecRemuxer) Available() bool {
	return lookPath(r.Path)
}

// Remux runs `ffmpeg -y -i url -c copy out`
func (r ExecRemuxer) Remux(ctx context.Context, url, out string) error {
	if !r.Available() {
		return ErrEncoderUnavailable
	}
	return run(ctx, r.Path, "-y", "-loglevel", "error", "-i", url, "-c", "copy", out)
}

func lookPath(bin string) bool {
	if bin == "" {
		return false
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", bin, err)
		}
		return fmt.Errorf("%s: %w: %s", bin, err, msg)
	}
	return nil
}
