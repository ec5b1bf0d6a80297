package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Bridge defaults
const (
	// DefaultTimeout bounds one verification round trip
	DefaultTimeout   = 5 * time.Second
	DefaultQueueSize = 1024
	// DefaultRecycleAfter consecutive timeouts mark the worker as stuck
	DefaultRecycleAfter = 3
)

// Func checks one event. nostr.Verify is the production implementation.
type Func func(nostr.Event) (bool, error)

type request struct {
	id    uint64
	event nostr.Event
}

type result struct {
	valid bool
	err   error
}

type pendingEntry struct {
	reply  chan result
	worker *worker
}

type worker struct {
	requests chan request
	done     chan struct{}
	stopOnce sync.Once
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Bridge correlates verification requests with worker replies
type Bridge struct {
	verifyFn     Func
	timeout      time.Duration
	queueSize    int
	recycleAfter int
	logger       *slog.Logger
	metrics      *bridgeMetrics

	mu      sync.Mutex
	worker  *worker
	nextID  uint64
	pending map[uint64]pendingEntry
	strikes int // consecutive timeouts on the current worker

	// Statistics
	verified  int64
	rejected  int64
	timeouts  int64
	restarts  int64
	crashes   int64
	failedReq int64
}

type bridgeMetrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
	pending  prometheus.Gauge
	restarts prometheus.Counter
}

// Option configures a Bridge
type Option func(*Bridge)

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithVerifyFunc replaces nostr.Verify, used by tests
func WithVerifyFunc(fn Func) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.verifyFn = fn
		}
	}
}

// WithQueueSize sets the request buffer between callers and the worker
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithRecycleAfter sets how many consecutive timeouts recycle the worker
func WithRecycleAfter(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.recycleAfter = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetricsRegistry registers bridge metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		if registry != nil {
			b.metrics = newBridgeMetrics(registry)
		}
	}
}

func newBridgeMetrics(registry *metric.MetricsRegistry) *bridgeMetrics {
	m := &bridgeMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wired",
			Subsystem: "verify",
			Name:      "requests_total",
			Help:      "Verification requests by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wired",
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Verification round trip time",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.25, 1, 5},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wired",
			Subsystem: "verify",
			Name:      "pending",
			Help:      "Requests awaiting a worker reply",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wired",
			Subsystem: "verify",
			Name:      "worker_restarts_total",
			Help:      "Times the verification worker was recreated",
		}),
	}
	_ = registry.RegisterCounterVec("verify", "requests_total", m.requests)
	_ = registry.RegisterHistogram("verify", "duration_seconds", m.duration)
	_ = registry.RegisterGauge("verify", "pending", m.pending)
	_ = registry.RegisterCounter("verify", "worker_restarts_total", m.restarts)
	return m
}

// New creates a bridge. The worker starts lazily on the first Verify.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		verifyFn:  nostr.Verify,
		timeout:   DefaultTimeout,
		queueSize:    DefaultQueueSize,
		recycleAfter: DefaultRecycleAfter,
		logger:       slog.Default(),
		pending:      make(map[uint64]pendingEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "verify")
	return b
}

// Verify checks the event's id and signature on the worker
func (b *Bridge) Verify(ctx context.Context, e nostr.Event) (bool, error) {
	start := time.Now()

	b.mu.Lock()
	w := b.ensureWorker()
	id := b.nextID
	b.nextID++
	reply := make(chan result, 1)
	b.pending[id] = pendingEntry{reply: reply, worker: w}
	b.setPendingGauge()
	b.mu.Unlock()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case w.requests <- request{id: id, event: e}:
	case r := <-reply:
		// failed while queued (terminated or crashed)
		return b.finish(r, start)
	case <-timer.C:
		return b.timedOut(id, w, start)
	case <-ctx.Done():
		b.evict(id)
		return false, ctx.Err()
	}

	select {
	case r := <-reply:
		return b.finish(r, start)
	case <-timer.C:
		return b.timedOut(id, w, start)
	case <-ctx.Done():
		b.evict(id)
		return false, ctx.Err()
	}
}

func (b *Bridge) finish(r result, start time.Time) (bool, error) {
	outcome := "valid"
	switch {
	case r.err != nil:
		outcome = "error"
		atomic.AddInt64(&b.failedReq, 1)
	case r.valid:
		atomic.AddInt64(&b.verified, 1)
	default:
		outcome = "invalid"
		atomic.AddInt64(&b.rejected, 1)
	}
	if b.metrics != nil {
		b.metrics.requests.WithLabelValues(outcome).Inc()
		b.metrics.duration.Observe(time.Since(start).Seconds())
	}
	return r.valid, r.err
}

// timedOut evicts only request id. Requests queued behind it keep their
// own deadlines; the worker is recycled once recycleAfter requests in a row
// timed out on it.
func (b *Bridge) timedOut(id uint64, w *worker, start time.Time) (bool, error) {
	atomic.AddInt64(&b.timeouts, 1)

	b.mu.Lock()
	delete(b.pending, id)
	b.setPendingGauge()
	recycle := false
	if b.worker == w {
		b.strikes++
		recycle = b.strikes >= b.recycleAfter
	}
	strikes := b.strikes
	b.mu.Unlock()

	if recycle {
		b.logger.Warn("verification timed out, recycling worker", "request_id", id, "timeout", b.timeout, "consecutive", strikes)
		b.discard(w, errors.ErrVerifyTimeout)
	} else {
		b.logger.Debug("verification timed out", "request_id", id, "timeout", b.timeout, "consecutive", strikes)
	}
	if b.metrics != nil {
		b.metrics.requests.WithLabelValues("timeout").Inc()
		b.metrics.duration.Observe(time.Since(start).Seconds())
	}
	return false, errors.WrapTransient(errors.ErrVerifyTimeout, "Bridge", "Verify",
		fmt.Sprintf("await reply for request %d", id))
}

// ensureWorker returns the live worker, starting one if needed. Callers hold mu.
func (b *Bridge) ensureWorker() *worker {
	if b.worker != nil {
		return b.worker
	}
	w := &worker{
		requests: make(chan request, b.queueSize),
		done:     make(chan struct{}),
	}
	b.worker = w
	go b.run(w)
	return w
}

func (b *Bridge) run(w *worker) {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			select {
			case <-w.done:
				return
			default:
			}
			if crashed := b.handle(req); crashed {
				atomic.AddInt64(&b.crashes, 1)
				b.discard(w, errors.ErrWorkerCrashed)
				return
			}
		}
	}
}

func (b *Bridge) handle(req request) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("verification worker crashed", "request_id", req.id, "panic", r)
			b.reply(req.id, result{err: errors.WrapTransient(errors.ErrWorkerCrashed, "Bridge", "worker",
				fmt.Sprintf("verify request %d", req.id))})
			crashed = true
		}
	}()

	valid, err := b.verifyFn(req.event)
	if err != nil {
		// an event that cannot be serialized cannot be authentic
		valid = false
	}
	b.reply(req.id, result{valid: valid})
	return false
}

func (b *Bridge) reply(id uint64, r result) {
	b.mu.Lock()
	entry, ok := b.pending[id]
	delete(b.pending, id)
	if ok && r.err == nil {
		b.strikes = 0
	}
	b.setPendingGauge()
	b.mu.Unlock()
	if ok {
		entry.reply <- r
	}
}

func (b *Bridge) evict(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.setPendingGauge()
	b.mu.Unlock()
}

// discard stops w, fails every request it still owns and clears it so the
// next Verify starts a fresh worker.
func (b *Bridge) discard(w *worker, cause error) {
	b.mu.Lock()
	if b.worker == w {
		b.worker = nil
		b.strikes = 0
		atomic.AddInt64(&b.restarts, 1)
		if b.metrics != nil {
			b.metrics.restarts.Inc()
		}
	}
	var failed []chan result
	for id, entry := range b.pending {
		if entry.worker == w {
			failed = append(failed, entry.reply)
			delete(b.pending, id)
		}
	}
	b.setPendingGauge()
	b.mu.Unlock()

	w.stop()
	for _, ch := range failed {
		ch <- result{err: errors.WrapTransient(cause, "Bridge", "discard", "complete pending request")}
	}
}

// Terminate stops the worker and fails all outstanding requests with
// ErrWorkerTerminated. The bridge stays usable; the next Verify starts a
// new worker.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	w := b.worker
	b.worker = nil
	b.strikes = 0
	pending := b.pending
	b.pending = make(map[uint64]pendingEntry)
	b.setPendingGauge()
	b.mu.Unlock()

	if w != nil {
		w.stop()
	}
	for _, entry := range pending {
		entry.reply <- result{err: errors.WrapTransient(errors.ErrWorkerTerminated, "Bridge", "Terminate",
			"complete pending request")}
	}
}

// Pending returns the number of requests awaiting a reply
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// setPendingGauge runs under mu
func (b *Bridge) setPendingGauge() {
	if b.metrics != nil {
		b.metrics.pending.Set(float64(len(b.pending)))
	}
}

// Stats is a snapshot of bridge counters
type Stats struct {
	Verified int64 `json:"verified"`
	Rejected int64 `json:"rejected"`
	Timeouts int64 `json:"timeouts"`
	Failed   int64 `json:"failed"`
	Crashes  int64 `json:"crashes"`
	Restarts int64 `json:"restarts"`
	Pending  int   `json:"pending"`
}

// Stats returns current counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Verified: atomic.LoadInt64(&b.verified),
		Rejected: atomic.LoadInt64(&b.rejected),
		Timeouts: atomic.LoadInt64(&b.timeouts),
		Failed:   atomic.LoadInt64(&b.failedReq),
		Crashes:  atomic.LoadInt64(&b.crashes),
		Restarts: atomic.LoadInt64(&b.restarts),
		Pending:  b.Pending(),
	}
}
