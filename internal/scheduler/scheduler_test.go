package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahif/itemtadoru/internal/logging"
)

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func waitAll(t *testing.T, handles []*Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		_, _ = h.Wait(ctx)
	}
	require.NoError(t, ctx.Err())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Concurrency: 0, Timeout: time.Second})
	assert.ErrorIs(t, err, ErrInvalidConcurrency)

	_, err = New(Options{Concurrency: 1})
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	_, err = New(Options{Concurrency: 1, Timeout: time.Second, Priorities: Priorities{PageDiscovery: 0}})
	assert.ErrorIs(t, err, ErrMissingPriority)
}

func TestPriorityOrdering(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 1, Paused: true})

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	submissions := []struct {
		kind Kind
		name string
	}{
		{MediaDownload, "download-1"},
		{ReviewDetail, "review-1"},
		{ExistenceCheck, "check-1"},
		{PageDiscovery, "page-1"},
		{ItemDetail, "item-1"},
		{MediaDownload, "download-2"},
		{PageDiscovery, "page-2"},
		{ReviewDetail, "review-2"},
		{ItemDetail, "item-2"},
		{ExistenceCheck, "check-2"},
	}

	var handles []*Handle
	for _, sub := range submissions {
		handles = append(handles, s.Submit(sub.kind, sub.name, record(sub.name)))
	}

	assert.Equal(t, 10, s.Size())
	assert.Equal(t, 2, s.SizeByKind()[MediaDownload])
	assert.True(t, s.Paused())

	s.Resume()
	waitAll(t, handles)

	assert.Equal(t, []string{
		"page-1", "page-2",
		"item-1", "item-2",
		"review-1", "review-2",
		"check-1", "check-2",
		"download-1", "download-2",
	}, order)
}

func TestReviewPriorities(t *testing.T) {
	p := ReviewPriorities()
	assert.Equal(t, 0, p[MediaDownload])
	assert.Equal(t, 1, p[ExistenceCheck])
	assert.Equal(t, 2, p[ReviewDetail])
	assert.Equal(t, 3, p[ItemDetail])
	assert.Equal(t, 4, p[PageDiscovery])
	assert.Equal(t, DefaultPriorities(), PrioritiesFor(false))

	s := newTestScheduler(t, Options{Concurrency: 1, Paused: true, Priorities: p})

	var order []Kind
	var mu sync.Mutex
	var handles []*Handle
	for _, k := range Kinds() {
		kind := k
		handles = append(handles, s.Submit(kind, kind.String(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, kind)
			mu.Unlock()
			return nil, nil
		}))
	}
	s.Resume()
	waitAll(t, handles)

	assert.Equal(t, []Kind{MediaDownload, ExistenceCheck, ReviewDetail, ItemDetail, PageDiscovery}, order)
}

func TestConcurrencyCeiling(t *testing.T) {
	const ceiling = 3
	s := newTestScheduler(t, Options{Concurrency: ceiling})

	var active, peak atomic.Int32
	var handles []*Handle
	for i := 0; i < 20; i++ {
		handles = append(handles, s.Submit(ItemDetail, fmt.Sprintf("item-%d", i), func(ctx context.Context) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}))
	}
	waitAll(t, handles)

	assert.LessOrEqual(t, peak.Load(), int32(ceiling))
	assert.Equal(t, 20, s.Stats().Completed)
}

func TestHandleResult(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 2})

	h := s.Submit(ItemDetail, "page-count", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "page-count", h.Name())

	boom := errors.New("boom")
	h = s.Submit(ReviewDetail, "fails", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, h.Err(), boom)
	assert.Equal(t, 1, s.Stats().Failed)
}

func TestTimeoutAbandonsTask(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 1, Timeout: 50 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)

	slow := s.Submit(MediaDownload, "slow", func(ctx context.Context) (any, error) {
		<-release
		return "late", nil
	})
	next := s.Submit(MediaDownload, "next", func(ctx context.Context) (any, error) {
		return "ran", nil
	})

	_, err := slow.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskTimeout)

	v, err := next.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ran", v, "slot is freed once a task is abandoned")
}

func TestPanicResolvesAsFailure(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 1})

	h := s.Submit(ItemDetail, "panics", func(ctx context.Context) (any, error) {
		panic("bad selector")
	})
	_, err := h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad selector")
}

func TestNestedSubmission(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 2})

	parent := s.Submit(ReviewDetail, "review", func(ctx context.Context) (any, error) {
		child := s.Submit(ExistenceCheck, "probe", func(ctx context.Context) (any, error) {
			return 128, nil
		})
		return child.Wait(ctx)
	})

	v, err := parent.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 128, v)
}

func TestStopRejectsAndResolvesQueued(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 1, Paused: true})

	queued := s.Submit(PageDiscovery, "queued", func(ctx context.Context) (any, error) { return nil, nil })
	s.Stop()

	_, err := queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	_, err = s.Submit(PageDiscovery, "late", func(ctx context.Context) (any, error) { return nil, nil }).Wait(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	_, err = s.Submit(PageDiscovery, "nil", nil).Wait(context.Background())
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestDrain(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 2})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		s.Submit(ItemDetail, "item", func(ctx context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			ran.Add(1)
			return nil, nil
		})
	}
	s.Go(func() {
		time.Sleep(30 * time.Millisecond)
		s.Submit(MediaDownload, "late-download", func(ctx context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx, 5*time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, int32(6), ran.Load())
	assert.True(t, s.Idle())
}

func TestDrainHonoursContext(t *testing.T) {
	s := newTestScheduler(t, Options{Concurrency: 1, Paused: true})
	s.Submit(ItemDetail, "stuck", func(ctx context.Context) (any, error) { return nil, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx, 5*time.Millisecond, 0), context.DeadlineExceeded)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "page-discovery", PageDiscovery.String())
	assert.Equal(t, "media-download", MediaDownload.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
