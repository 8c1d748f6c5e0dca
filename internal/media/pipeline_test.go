package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahif/itemtadoru/internal/fetch"
	"github.com/masahif/itemtadoru/internal/logging"
	"github.com/masahif/itemtadoru/internal/scheduler"
)

type fakeThumbs struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeThumbs) Generate(ctx context.Context, dir, source string, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dir)
	return true
}

func (f *fakeThumbs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFiles struct {
	mu    sync.Mutex
	files map[string][]string
}

func (f *fakeFiles) RecordFiles(source, itemID string, files []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]string)
	}
	f.files[source+"/"+itemID] = files
	return true
}

type fakeRemuxer struct {
	available bool
	calls     atomic.Int32
}

func (r *fakeRemuxer) Available() bool { return r.available }

func (r *fakeRemuxer) Remux(ctx context.Context, url, out string) error {
	r.calls.Add(1)
	return os.WriteFile(out, []byte("video"), 0600)
}

// mediaServer serves body for every path except /missing, counting methods
type mediaServer struct {
	*httptest.Server
	heads   atomic.Int32
	gets    atomic.Int32
	body    []byte
	release chan struct{} // when set, GETs block until closed
}

func newMediaServer(t *testing.T, body []byte) *mediaServer {
	t.Helper()
	ms := &mediaServer{body: body}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(ms.body)))
		if r.Method == http.MethodHead {
			ms.heads.Add(1)
			return
		}
		ms.gets.Add(1)
		if ms.release != nil {
			<-ms.release
		}
		_, _ = w.Write(ms.body)
	}))
	t.Cleanup(ms.Close)
	return ms
}

type pipelineFixture struct {
	pipeline *Pipeline
	layout   Layout
	thumbs   *fakeThumbs
	files    *fakeFiles
	encoder  *fakeEncoder
	remuxer  *fakeRemuxer
}

func newPipelineFixture(t *testing.T, encoder *fakeEncoder) *pipelineFixture {
	t.Helper()
	sched, err := scheduler.New(scheduler.Options{Concurrency: 4, Timeout: 5 * time.Second, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(sched.Stop)

	client := fetch.NewClient("Test-Agent/1.0", 5*time.Second)
	t.Cleanup(client.Close)

	f := &pipelineFixture{
		layout:  Layout{Root: t.TempDir()},
		thumbs:  &fakeThumbs{},
		files:   &fakeFiles{},
		encoder: encoder,
		remuxer: &fakeRemuxer{available: true},
	}
	require.NoError(t, f.layout.ClearTemp())

	opts := Options{
		Scheduler:  sched,
		Layout:     f.layout,
		Prober:     client,
		Downloader: client,
		Remuxer:    f.remuxer,
		Thumbnails: f.thumbs,
		Files:      f.files,
		Logger:     logging.Discard(),
	}
	if encoder != nil {
		opts.Encoder = encoder
	}
	f.pipeline = NewPipeline(opts)
	return f
}

func TestFetchMaterializesAndTranscodes(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 2048))
	f := newPipelineFixture(t, &fakeEncoder{available: true, size: 512})

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "42", URL: srv.URL + "/img/a.jpg"})

	require.Equal(t, Materialized, res.Outcome, res.Err)
	assert.Equal(t, int64(2048), res.Bytes)

	raw := f.layout.DownloadPath("shop", "42", "a.jpg")
	assert.Equal(t, TranscodedPath(raw), res.Path)
	assert.False(t, exists(raw), "raw file replaced by smaller transcode")
	assert.True(t, exists(TranscodedPath(raw)))

	assert.Equal(t, int32(1), srv.heads.Load())
	assert.Equal(t, int32(1), srv.gets.Load())
	assert.Equal(t, 1, f.thumbs.count())
	assert.Equal(t, []string{"a.webp"}, f.files.files["shop/42"])
	assert.Equal(t, 0, f.pipeline.Inflight().Len())
}

func TestFetchKeepsRawWhenTranscodeLarger(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 100))
	f := newPipelineFixture(t, &fakeEncoder{available: true, size: 400})

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "1", URL: srv.URL + "/a.png"})

	require.Equal(t, Materialized, res.Outcome)
	raw := f.layout.DownloadPath("shop", "1", "a.png")
	assert.Equal(t, raw, res.Path)
	assert.True(t, exists(raw))
	assert.False(t, exists(TranscodedPath(raw)))
}

func TestFetchWithoutEncoder(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 100))
	f := newPipelineFixture(t, &fakeEncoder{available: false})

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "1", URL: srv.URL + "/a.jpg"})

	require.Equal(t, Materialized, res.Outcome)
	assert.Equal(t, f.layout.DownloadPath("shop", "1", "a.jpg"), res.Path)
	assert.Equal(t, 0, f.encoder.calls)
}

func TestFetchSkipsWhenLocalFileMatches(t *testing.T) {
	body := make([]byte, 777)
	srv := newMediaServer(t, body)
	f := newPipelineFixture(t, nil)

	dest := f.layout.DownloadPath("shop", "42", "a.jpg")
	writeFile(t, dest, len(body))

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "42", URL: srv.URL + "/a.jpg"})

	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, int32(0), srv.gets.Load(), "no download for a size-equal local file")
	assert.Equal(t, 1, f.thumbs.count(), "thumbnail regeneration still requested")
	assert.Nil(t, f.files.files, "file list only refreshed for new files")
}

func TestFetchPreCheckRemovesStrayRaw(t *testing.T) {
	srv := newMediaServer(t, []byte("x"))
	f := newPipelineFixture(t, nil)

	dest := f.layout.DownloadPath("shop", "42", "a.jpg")
	writeFile(t, dest, 10)
	writeFile(t, TranscodedPath(dest), 5)

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "42", URL: srv.URL + "/a.jpg"})

	assert.Equal(t, AlreadyTranscoded, res.Outcome)
	assert.False(t, exists(dest))
	assert.Equal(t, int32(0), srv.heads.Load()+srv.gets.Load(), "no network access")
	assert.Equal(t, 0, f.thumbs.count())
}

func TestFetchDeduplicatesInflight(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 64))
	srv.release = make(chan struct{})
	f := newPipelineFixture(t, nil)

	req := Request{Source: "shop", ItemID: "7", URL: srv.URL + "/a.jpg"}
	first := f.pipeline.Enqueue(context.Background(), req)

	require.Eventually(t, func() bool { return srv.gets.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := f.pipeline.Fetch(context.Background(), req)
	third := f.pipeline.Fetch(context.Background(), req)
	assert.Equal(t, InProgress, second.Outcome)
	assert.Equal(t, InProgress, third.Outcome)

	close(srv.release)
	res := <-first
	assert.Equal(t, Materialized, res.Outcome)
	assert.Equal(t, int32(1), srv.gets.Load())
}

func TestFetchMissingRemote(t *testing.T) {
	srv := newMediaServer(t, nil)
	f := newPipelineFixture(t, nil)

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "9", URL: srv.URL + "/missing.jpg"})

	assert.Equal(t, Missing, res.Outcome)
	assert.False(t, res.OK())
	assert.Equal(t, int32(0), srv.gets.Load())
	assert.Equal(t, 1, f.thumbs.count())
	assert.Equal(t, 0, f.pipeline.Inflight().Len())
}

func TestFetchNetworkFailure(t *testing.T) {
	f := newPipelineFixture(t, nil)

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "9", URL: "http://127.0.0.1:1/a.jpg"})

	assert.Equal(t, Failed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, 0, f.pipeline.Inflight().Len())

	entries, err := os.ReadDir(f.layout.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp artifacts left behind")
}

func TestFetchVideoSkipsProbe(t *testing.T) {
	srv := newMediaServer(t, nil)
	f := newPipelineFixture(t, &fakeEncoder{available: true, size: 1})

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "5", URL: srv.URL + "/v/clip.mp4", Video: true})

	require.Equal(t, Materialized, res.Outcome, res.Err)
	assert.Equal(t, int32(0), srv.heads.Load())
	assert.Equal(t, int32(1), f.remuxer.calls.Load())
	assert.Equal(t, 0, f.encoder.calls, "video is never transcoded")
	assert.True(t, exists(f.layout.DownloadPath("shop", "5", "clip.mp4")))
}

func TestFetchVideoWithoutRemuxer(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.remuxer.available = false

	res := f.pipeline.Fetch(context.Background(), Request{Source: "shop", ItemID: "5", URL: "http://x/clip.mp4", Video: true})

	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrEncoderUnavailable)
}

func TestFetchInvalidInputs(t *testing.T) {
	f := newPipelineFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, Invalid, f.pipeline.Fetch(ctx, Request{Source: "shop", ItemID: "1"}).Outcome)
	assert.Equal(t, Invalid, f.pipeline.Fetch(ctx, Request{URL: "http://x/a.jpg"}).Outcome)

	bare := NewPipeline(Options{Layout: f.layout, Logger: logging.Discard()})
	assert.Equal(t, Invalid, bare.Fetch(ctx, Request{URL: "http://x/a.jpg", Dest: "/tmp/a.jpg"}).Outcome)
	assert.Equal(t, Invalid, (<-bare.Enqueue(ctx, Request{URL: "http://x/a.jpg"})).Outcome)
}

func TestFetchRejectsPathsOutsideTree(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 16))
	f := newPipelineFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"item id traversal", Request{Source: "shop", ItemID: "../../../escaped", URL: srv.URL + "/a.jpg"}},
		{"item id with separator", Request{Source: "shop", ItemID: "a/b", URL: srv.URL + "/a.jpg"}},
		{"source traversal", Request{Source: "..", ItemID: "1", URL: srv.URL + "/a.jpg"}},
		{"file name traversal", Request{Source: "shop", ItemID: "1", URL: srv.URL + "/img/.."}},
		{"dest outside downloads", Request{URL: srv.URL + "/a.jpg", Dest: filepath.Join(f.layout.Root, "thumbnails", "a.jpg")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Invalid, f.pipeline.Fetch(ctx, tt.req).Outcome)
		})
	}

	assert.Equal(t, int32(0), srv.heads.Load()+srv.gets.Load(), "no network access")
	assert.NoDirExists(t, filepath.Join(filepath.Dir(f.layout.Root), "escaped"))
	assert.Equal(t, 0, f.thumbs.count())
}

// countingEncoder records how many Encode calls overlap
type countingEncoder struct {
	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
}

func (e *countingEncoder) Available() bool { return true }

func (e *countingEncoder) Encode(ctx context.Context, in, out string) error {
	e.calls.Add(1)
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		peak := e.peak.Load()
		if n <= peak || e.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return os.WriteFile(out, []byte("w"), 0600)
}

func TestFetchTranscodeRespectsConcurrency(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 64))
	sched, err := scheduler.New(scheduler.Options{Concurrency: 1, Timeout: 5 * time.Second, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(sched.Stop)
	client := fetch.NewClient("Test-Agent/1.0", 5*time.Second)
	t.Cleanup(client.Close)

	layout := Layout{Root: t.TempDir()}
	require.NoError(t, layout.ClearTemp())
	encoder := &countingEncoder{}
	p := NewPipeline(Options{
		Scheduler:  sched,
		Layout:     layout,
		Prober:     client,
		Downloader: client,
		Encoder:    encoder,
		Thumbnails: &fakeThumbs{},
		Logger:     logging.Discard(),
	})

	var results []<-chan Result
	for i := 0; i < 8; i++ {
		results = append(results, p.Enqueue(context.Background(), Request{
			Source: "shop", ItemID: strconv.Itoa(i), URL: srv.URL + "/" + strconv.Itoa(i) + ".jpg",
		}))
	}
	for _, ch := range results {
		assert.Equal(t, Materialized, (<-ch).Outcome)
	}

	assert.Equal(t, int32(8), encoder.calls.Load())
	assert.Equal(t, int32(1), encoder.peak.Load(), "encoder runs share the task pool")
}

func TestFetchBackpressure(t *testing.T) {
	srv := newMediaServer(t, make([]byte, 8))
	f := newPipelineFixture(t, nil)
	f.pipeline.opts.MaxInflight = 1
	f.pipeline.opts.InflightPoll = 5 * time.Millisecond

	f.pipeline.Inflight().Add("http://other/busy.jpg")
	done := f.pipeline.Enqueue(context.Background(), Request{Source: "shop", ItemID: "1", URL: srv.URL + "/a.jpg"})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), srv.heads.Load(), "held back while at capacity")

	f.pipeline.Inflight().Remove("http://other/busy.jpg")
	res := <-done
	assert.Equal(t, Materialized, res.Outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "materialized", Materialized.String())
	assert.Equal(t, "in-progress", InProgress.String())
	assert.Equal(t, "outcome(99)", Outcome(99).String())
	assert.True(t, Result{Outcome: Unchanged}.OK())
}
