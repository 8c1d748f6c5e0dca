package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/masahif/itemtadoru/internal/fetch"
	"github.com/masahif/itemtadoru/internal/logging"
	"github.com/masahif/itemtadoru/internal/scheduler"
)

// Outcome is the terminal state of one Fetch
type Outcome int

const (
	// Invalid means a required input was missing
	Invalid Outcome = iota
	// AlreadyTranscoded means the efficient sibling existed; no network access
	AlreadyTranscoded
	// InProgress means another fetch of the URL is running
	InProgress
	// Unchanged means the local file was trusted or matched the remote size
	Unchanged
	// Missing means the remote resource does not exist
	Missing
	// Failed means the probe or download failed this run
	Failed
	// Materialized means a new file was written
	Materialized
)

var outcomeNames = map[Outcome]string{
	Invalid:           "invalid",
	AlreadyTranscoded: "already-transcoded",
	InProgress:        "in-progress",
	Unchanged:         "unchanged",
	Missing:           "missing",
	Failed:            "failed",
	Materialized:      "materialized",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Request names one media asset. Dest defaults to the download path of the
// URL's file name under Source and ItemID.
type Request struct {
	Source string
	ItemID string
	URL    string
	Dest   string
	Video  bool
}

// Result reports what Fetch did
type Result struct {
	Outcome Outcome
	Path    string // file on disk afterwards, if any
	Bytes   int64  // bytes downloaded
	Err     error
}

// OK reports whether the asset is present on disk
func (r Result) OK() bool {
	switch r.Outcome {
	case AlreadyTranscoded, Unchanged, Materialized:
		return true
	}
	return false
}

// Prober checks remote existence and size
type Prober interface {
	Head(ctx context.Context, url string) (fetch.Probe, error)
}

// Downloader streams a remote resource into a local file
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, fetch.Metrics, error)
}

// ThumbnailGenerator rebuilds the montage of an item directory
type ThumbnailGenerator interface {
	Generate(ctx context.Context, dir, source string, force bool) bool
}

// FileRecorder is told the file list of an item after new media lands
type FileRecorder interface {
	RecordFiles(source, itemID string, files []string) bool
}

// Options wires a Pipeline
type Options struct {
	Scheduler       *scheduler.Scheduler
	Layout          Layout
	Prober          Prober
	Downloader      Downloader
	Encoder         Encoder
	Remuxer         Remuxer
	Thumbnails      ThumbnailGenerator
	Files           FileRecorder
	Inflight        *InflightSet // nil means a private set
	MaxInflight     int          // 0 disables backpressure
	InflightPoll    time.Duration
	ForceThumbnails bool
	Logger          *slog.Logger
}

// Pipeline drives the per-asset state machine: pre-check, de-dup, probe,
// download, promote, transcode, thumbnail.
type Pipeline struct {
	opts     Options
	inflight *InflightSet
	logger   *slog.Logger

	encoderWarn sync.Once
	remuxWarn   sync.Once
}

// NewPipeline returns a pipeline. Missing collaborators are reported by
// Fetch as Invalid results, not here.
func NewPipeline(opts Options) *Pipeline {
	inflight := opts.Inflight
	if inflight == nil {
		inflight = NewInflightSet()
	}
	if opts.InflightPoll <= 0 {
		opts.InflightPoll = time.Second
	}
	return &Pipeline{
		opts:     opts,
		inflight: inflight,
		logger:   logging.Component(opts.Logger, "media"),
	}
}

// Inflight exposes the in-flight URL set
func (p *Pipeline) Inflight() *InflightSet {
	return p.inflight
}

// Layout returns the directory layout in use
func (p *Pipeline) Layout() Layout {
	return p.opts.Layout
}

func (p *Pipeline) invalid(field string, req Request) Result {
	p.logger.Error("Missing required input", "op", "Fetch", "field", field,
		"source", req.Source, "item_id", req.ItemID, "url", req.URL)
	return Result{Outcome: Invalid}
}

// resolve fills Dest. Remote identifiers must each be a single safe path
// segment, and an explicit Dest must stay inside the download tree.
func (p *Pipeline) resolve(req Request) (Request, bool) {
	if (req.Source != "" && !SafeSegment(req.Source)) || (req.ItemID != "" && !SafeSegment(req.ItemID)) {
		return req, false
	}
	if req.Dest != "" {
		return req, p.opts.Layout.InDownloads(req.Dest)
	}
	name := FileNameFromURL(req.URL)
	if !SafeSegment(req.Source) || !SafeSegment(req.ItemID) || !SafeSegment(name) {
		return req, false
	}
	req.Dest = p.opts.Layout.DownloadPath(req.Source, req.ItemID, name)
	return req, true
}

// Enqueue runs Fetch on a detached goroutine tracked by the scheduler, so a
// task may start media work without holding its slot while the children
// are queued.
func (p *Pipeline) Enqueue(ctx context.Context, req Request) <-chan Result {
	ch := make(chan Result, 1)
	if p.opts.Scheduler == nil {
		ch <- p.invalid("scheduler", req)
		close(ch)
		return ch
	}
	p.opts.Scheduler.Go(func() {
		ch <- p.Fetch(ctx, req)
		close(ch)
	})
	return ch
}

// Fetch materializes one asset. The probe runs on the scheduler at
// existence-check priority; download, transcode and thumbnail composition
// run at media-download priority. Fetch blocks until they
// resolve, so it must not be called while holding a slot whose release the
// children depend on. Use Enqueue from inside tasks.
func (p *Pipeline) Fetch(ctx context.Context, req Request) Result {
	if req.URL == "" {
		return p.invalid("url", req)
	}
	if p.opts.Scheduler == nil {
		return p.invalid("scheduler", req)
	}
	req, ok := p.resolve(req)
	if !ok {
		return p.invalid("dest", req)
	}
	if req.Video {
		if p.opts.Remuxer == nil {
			return p.invalid("remuxer", req)
		}
	} else if p.opts.Prober == nil || p.opts.Downloader == nil {
		return p.invalid("downloader", req)
	}

	// Pre-check
	if !req.Video {
		transcoded := TranscodedPath(req.Dest)
		if _, ok := fileSize(transcoded); ok {
			if transcoded != req.Dest {
				if err := os.Remove(req.Dest); err == nil {
					p.logger.Debug("Stray raw file removed", "path", req.Dest)
				}
			}
			return Result{Outcome: AlreadyTranscoded, Path: transcoded}
		}
	}

	if err := p.waitForCapacity(ctx); err != nil {
		return Result{Outcome: Failed, Err: err}
	}

	// De-dup guard
	if !p.inflight.Add(req.URL) {
		p.logger.Debug("Media in progress, skipping", "url", req.URL)
		return Result{Outcome: InProgress}
	}
	defer p.inflight.Remove(req.URL)

	result := p.acquire(ctx, req)

	// Thumbnail regeneration is requested for every acquisition attempt
	dir := filepath.Dir(req.Dest)
	itemID := req.ItemID
	if itemID == "" {
		itemID = filepath.Base(dir)
	}
	if p.opts.Thumbnails != nil {
		p.thumbnail(ctx, dir, req.Source)
	}

	if result.Outcome == Materialized && p.opts.Files != nil {
		p.opts.Files.RecordFiles(req.Source, itemID, MediaFiles(dir))
	}
	return result
}

// waitForCapacity sleeps while the in-flight set is over MaxInflight
func (p *Pipeline) waitForCapacity(ctx context.Context) error {
	if p.opts.MaxInflight <= 0 {
		return nil
	}
	for p.inflight.Len() >= p.opts.MaxInflight {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.InflightPoll):
		}
	}
	return nil
}

// acquire covers probe, download, promote and transcode
func (p *Pipeline) acquire(ctx context.Context, req Request) Result {
	if _, ok := fileSize(req.Dest); ok {
		return Result{Outcome: Unchanged, Path: req.Dest}
	}

	if !req.Video {
		probe, err := p.probe(ctx, req.URL)
		if err != nil {
			p.logger.Warn("Probe failed", "url", req.URL, "error", err)
			return Result{Outcome: Failed, Err: err}
		}
		if !probe.Exists {
			p.logger.Info("Media not found", "url", req.URL)
			return Result{Outcome: Missing}
		}
	}

	ext := filepath.Ext(req.Dest)
	tmp := p.opts.Layout.TempPath(ext)
	if err := os.MkdirAll(filepath.Dir(tmp), 0750); err != nil {
		return Result{Outcome: Failed, Err: err}
	}

	n, err := p.download(ctx, req, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, ErrEncoderUnavailable) {
			p.remuxWarn.Do(func() {
				p.logger.Warn("Remux binary unavailable, skipping video", "url", req.URL)
			})
		} else {
			p.logger.Warn("Download failed", "url", req.URL, "error", err)
		}
		return Result{Outcome: Failed, Err: err}
	}

	if err := Promote(tmp, req.Dest, p.logger); err != nil {
		_ = os.Remove(tmp)
		p.logger.Error("Promote failed", "url", req.URL, "path", req.Dest, "error", err)
		return Result{Outcome: Failed, Err: err}
	}

	path := req.Dest
	if !req.Video {
		path = p.transcode(ctx, req.Dest)
	}
	p.logger.Info("Media downloaded", "source", req.Source, "item_id", req.ItemID, "path", path, "bytes", n)
	return Result{Outcome: Materialized, Path: path, Bytes: n}
}

func (p *Pipeline) probe(ctx context.Context, url string) (fetch.Probe, error) {
	h := p.opts.Scheduler.Submit(scheduler.ExistenceCheck, "probe "+url, func(ctx context.Context) (any, error) {
		return p.opts.Prober.Head(ctx, url)
	})
	v, err := h.Wait(ctx)
	if err != nil {
		return fetch.Probe{}, err
	}
	return v.(fetch.Probe), nil
}

func (p *Pipeline) download(ctx context.Context, req Request, tmp string) (int64, error) {
	h := p.opts.Scheduler.Submit(scheduler.MediaDownload, "download "+req.URL, func(ctx context.Context) (any, error) {
		if req.Video {
			if !p.opts.Remuxer.Available() {
				return int64(0), ErrEncoderUnavailable
			}
			if err := p.opts.Remuxer.Remux(ctx, req.URL, tmp); err != nil {
				return int64(0), err
			}
			size, _ := fileSize(tmp)
			return size, nil
		}
		n, _, err := p.opts.Downloader.Download(ctx, req.URL, tmp)
		return n, err
	})
	v, err := h.Wait(ctx)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// thumbnail regenerates the montage of dir as a media-download task
func (p *Pipeline) thumbnail(ctx context.Context, dir, source string) {
	h := p.opts.Scheduler.Submit(scheduler.MediaDownload, "thumbnail "+dir, func(ctx context.Context) (any, error) {
		return p.opts.Thumbnails.Generate(ctx, dir, source, p.opts.ForceThumbnails), nil
	})
	if _, err := h.Wait(ctx); err != nil {
		p.logger.Warn("Thumbnail task failed", "dir", dir, "error", err)
	}
}

// transcode encodes path as a media-download task and keeps the smaller
// file. It returns the path that remains.
func (p *Pipeline) transcode(ctx context.Context, path string) string {
	if filepath.Ext(path) == TranscodedExt {
		return path
	}
	if p.opts.Encoder == nil || !p.opts.Encoder.Available() {
		p.encoderWarn.Do(func() {
			p.logger.Warn("Encoder unavailable, keeping original media", "path", path)
		})
		return path
	}

	h := p.opts.Scheduler.Submit(scheduler.MediaDownload, "transcode "+path, func(ctx context.Context) (any, error) {
		return p.encode(ctx, path), nil
	})
	v, err := h.Wait(ctx)
	if err != nil {
		p.logger.Warn("Transcode task failed", "path", path, "error", err)
		return path
	}
	return v.(string)
}

func (p *Pipeline) encode(ctx context.Context, path string) string {
	candidate := p.opts.Layout.TempPath(TranscodedExt)
	if err := p.opts.Encoder.Encode(ctx, path, candidate); err != nil {
		_ = os.Remove(candidate)
		p.logger.Warn("Transcode failed", "path", path, "error", err)
		return path
	}

	kept, err := KeepSmaller(path, candidate, TranscodedPath(path), p.logger)
	if err != nil {
		p.logger.Warn("Transcode comparison failed", "path", path, "error", err)
	}
	return kept
}
