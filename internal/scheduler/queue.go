package scheduler

import "context"

type task struct {
	kind   Kind
	band   int
	seq    uint64
	name   string
	fn     Func
	handle *Handle
}

// taskHeap orders by band, then submission order
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].band != h[j].band {
		return h[i].band < h[j].band
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Handle is the completion of one submitted task
type Handle struct {
	kind  Kind
	name  string
	done  chan struct{}
	value any
	err   error
}

func newHandle(kind Kind, name string) *Handle {
	return &Handle{kind: kind, name: name, done: make(chan struct{})}
}

func (h *Handle) resolve(value any, err error) {
	h.value, h.err = value, err
	close(h.done)
}

// Done is closed once the task has resolved
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task resolves or ctx ends
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the task error; valid after Done is closed
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Name returns the task name given at submission
func (h *Handle) Name() string { return h.name }

// Kind returns the task kind
func (h *Handle) Kind() Kind { return h.kind }
