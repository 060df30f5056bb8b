package logging

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the process clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

const (
	defaultQueueSize   = 512
	minSinkBuffer      = 32
	maxSinkBuffer      = 1024
	maxSinkBackoffStep = 5
)

// Router fans published events out to named sinks through a bounded queue.
// Publish never blocks; events are dropped and counted when the queue is full.
type Router struct {
	cfg         Config
	queue       chan Event
	sinks       []*sinkWorker
	clock       Clock
	fallback    *log.Logger
	minSeverity Severity
	fields      map[string]any

	stop      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup

	eventsTotal   atomic.Uint64
	droppedTotal  atomic.Uint64
	filteredTotal atomic.Uint64
	lastDropLog   atomic.Int64

	categoryMu sync.Mutex
	byCategory map[string]uint64
}

// RouterStats is a point-in-time view of router throughput for diagnostics.
type RouterStats struct {
	EventsTotal   uint64            `json:"eventsTotal"`
	DroppedTotal  uint64            `json:"droppedTotal"`
	FilteredTotal uint64            `json:"filteredTotal"`
	ByCategory    map[string]uint64 `json:"byCategory,omitempty"`
	Sinks         []SinkStats       `json:"sinks,omitempty"`
}

// SinkStats counts deliveries for one sink.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	queueSize := cfg.BufferSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, queueSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[hub-logging] ", log.LstdFlags),
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
		stop:        make(chan struct{}),
		closed:      make(chan struct{}),
		byCategory:  make(map[string]uint64),
	}

	sinkBuffer := min(max(queueSize, minSinkBuffer), maxSinkBuffer)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, &sinkWorker{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, sinkBuffer),
			fallback: r.fallback,
		})
	}

	r.wg.Add(1 + len(r.sinks))
	go r.dispatch()
	for _, worker := range r.sinks {
		go func(w *sinkWorker) {
			defer r.wg.Done()
			w.run(r.stop)
		}(worker)
	}
	return r, nil
}

// dispatch moves queued events to the sink workers until Close, then drains
// what is left and closes the worker channels.
func (r *Router) dispatch() {
	defer func() {
		for _, worker := range r.sinks {
			close(worker.events)
		}
		r.wg.Done()
	}()
	for {
		select {
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.minSeverity {
		r.filteredTotal.Add(1)
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = event.withDefaults(r.fields)
	r.eventsTotal.Add(1)
	if event.Category != "" {
		r.categoryMu.Lock()
		r.byCategory[event.Category]++
		r.categoryMu.Unlock()
	}
	for _, worker := range r.sinks {
		worker.enqueue(event)
	}
}

// Publish queues event for delivery. Events without a type and events
// published after Close are ignored.
func (r *Router) Publish(ctx context.Context, event Event) {
	if r == nil || event.Type == "" || r.closing.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.handleDrop(event)
	}
}

func (r *Router) handleDrop(event Event) {
	r.droppedTotal.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.lastDropLog.Load()
	if next == 0 || now >= next {
		if r.lastDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
			r.fallback.Printf("queue full, dropping %s for hub=%s room=%s (%d dropped so far)",
				event.Type, event.Room.HubID, event.Room.RoomID, r.droppedTotal.Load())
		}
	}
}

// Close flushes queued events to every sink and closes the sinks. Later
// calls wait for the first one and return its result.
func (r *Router) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		close(r.stop)
		go func() {
			r.wg.Wait()
			for _, worker := range r.sinks {
				if err := worker.sink.Close(context.WithoutCancel(ctx)); err != nil && r.closeErr == nil {
					r.closeErr = err
				}
			}
			close(r.closed)
		}()
	})
	select {
	case <-r.closed:
		return r.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:   r.eventsTotal.Load(),
		DroppedTotal:  r.droppedTotal.Load(),
		FilteredTotal: r.filteredTotal.Load(),
	}
	r.categoryMu.Lock()
	if len(r.byCategory) > 0 {
		stats.ByCategory = make(map[string]uint64, len(r.byCategory))
		for category, n := range r.byCategory {
			stats.ByCategory[category] = n
		}
	}
	r.categoryMu.Unlock()
	for _, worker := range r.sinks {
		stats.Sinks = append(stats.Sinks, SinkStats{
			Name:    worker.name,
			Written: worker.written.Load(),
			Failed:  worker.failed.Load(),
			Dropped: worker.dropped.Load(),
		})
	}
	sort.Slice(stats.Sinks, func(i, j int) bool { return stats.Sinks[i].Name < stats.Sinks[j].Name })
	return stats
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.sinks {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	// failures and nextRetry are owned by run.
	failures  int
	nextRetry time.Time
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- event.Clone():
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping %s", w.name, event.Type)
		}
	}
}

// run writes events in order. After a failure it backs off until the retry
// time, or until the router stops and the backlog is flushed without delay.
func (w *sinkWorker) run(stop <-chan struct{}) {
	for event := range w.events {
		if w.failures > 0 {
			w.backoff(stop)
		}
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.written.Add(1)
		w.failures = 0
	}
}

func (w *sinkWorker) backoff(stop <-chan struct{}) {
	wait := time.Until(w.nextRetry)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
}

func (w *sinkWorker) fail(err error) {
	w.failed.Add(1)
	w.failures++
	delay := time.Duration(1<<min(w.failures, maxSinkBackoffStep)) * time.Second
	w.nextRetry = time.Now().Add(delay)
	w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
}
