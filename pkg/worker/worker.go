// Package worker runs control-plane jobs one at a time on a dedicated
// goroutine, in ready-time order.
package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/metrics"
)

// ErrStopped is reported for jobs that never ran because the worker stopped.
var ErrStopped = errors.New("worker stopped")

// Job is a unit of work. The context is cancelled when the worker stops.
type Job func(ctx context.Context)

// Handle tracks a submitted job.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed once the job ran or was discarded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns ErrStopped for discarded jobs and the recovered panic, if any.
// Only valid after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// workItem represents a queued job
type workItem struct {
	name    string
	job     Job
	readyAt time.Time
	seq     uint64 // FIFO among equal readyAt
	handle  *Handle
	index   int // Index in heap (for heap.Interface)
}

// workItemHeap implements heap.Interface
type workItemHeap []*workItem

func (h workItemHeap) Len() int { return len(h) }

func (h workItemHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h workItemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *workItemHeap) Push(x interface{}) {
	item := x.(*workItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *workItemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Worker executes jobs sequentially.
type Worker struct {
	mu       sync.Mutex
	items    *workItemHeap
	seq      uint64
	notifyCh chan struct{}
	stopped  bool

	cancel context.CancelFunc
	done   chan struct{}

	logger  *slog.Logger
	metrics metrics.Collector
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(w *Worker) {
		w.metrics = c
	}
}

// New creates a worker. Call Start to begin processing.
func New(opts ...Option) *Worker {
	items := &workItemHeap{}
	heap.Init(items)

	w := &Worker{
		items:    items,
		notifyCh: make(chan struct{}, 1),
		logger:   slog.Default(),
		metrics:  metrics.NewNoop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Submit queues job to run as soon as the worker is free.
func (w *Worker) Submit(name string, job Job) *Handle {
	return w.SubmitAfter(name, 0, job)
}

// SubmitAfter queues job to run no earlier than delay from now.
func (w *Worker) SubmitAfter(name string, delay time.Duration, job Job) *Handle {
	h := &Handle{done: make(chan struct{})}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		h.err = ErrStopped
		close(h.done)
		return h
	}

	w.seq++
	heap.Push(w.items, &workItem{
		name:    name,
		job:     job,
		readyAt: time.Now().Add(delay),
		seq:     w.seq,
		handle:  h,
	})
	w.metrics.WorkQueueDepth(w.items.Len())
	w.notify()
	return h
}

// Do submits job and waits for it to finish or ctx to end.
func (w *Worker) Do(ctx context.Context, name string, job Job) error {
	h := w.Submit(name, job)
	select {
	case <-h.Done():
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.items.Len()
}

// Stop cancels the running job's context, waits for the goroutine to exit
// and discards queued jobs.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.items.Len() > 0 {
		item := heap.Pop(w.items).(*workItem)
		item.handle.err = ErrStopped
		close(item.handle.done)
	}
	w.metrics.WorkQueueDepth(0)
}

// notify signals that queue state changed
func (w *Worker) notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
		// Already has pending notification
	}
}

// next pops the first ready item, or reports how long until one is ready.
func (w *Worker) next() (*workItem, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.items.Len() == 0 {
		return nil, -1
	}
	item := (*w.items)[0]
	if wait := time.Until(item.readyAt); wait > 0 {
		return nil, wait
	}
	heap.Pop(w.items)
	w.metrics.WorkQueueDepth(w.items.Len())
	return item, 0
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		if ctx.Err() != nil {
			return
		}

		item, wait := w.next()
		if item != nil {
			w.execute(ctx, item)
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
		case <-w.notifyCh:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (w *Worker) execute(ctx context.Context, item *workItem) {
	defer close(item.handle.done)
	defer func() {
		if r := recover(); r != nil {
			item.handle.err = fmt.Errorf("job %s panicked: %v", item.name, r)
			w.logger.Error("job panicked", "job", item.name, "panic", r)
		}
	}()

	start := time.Now()
	item.job(ctx)
	w.logger.Debug("job finished", "job", item.name, "duration", time.Since(start))
}

// Jitter spreads d uniformly over [d*(1-fraction), d*(1+fraction)].
// fraction is clamped to [0, 1].
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	fraction = math.Min(fraction, 1)
	return time.Duration(float64(d) * (1 + fraction*(2*rand.Float64()-1)))
}

// Backoff doubles base for every failed attempt (0 for the first retry), caps
// the result at limit and jitters it by a quarter.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	d := limit
	if attempt < 0 {
		attempt = 0
	}
	if attempt < 32 {
		if scaled := base << uint(attempt); scaled > 0 && scaled < limit {
			d = scaled
		}
	}
	return Jitter(d, 0.25)
}
