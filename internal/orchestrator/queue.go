package orchestrator

import (
	"context"
	"strconv"
	"sync"

	"glass-frontier/hub/internal/bus"
	"glass-frontier/hub/internal/contest"
	"glass-frontier/hub/internal/telemetry"
)

const (
	queueOccupancyMetricPrefix = "orchestrator_shard_queue_occupancy_"
	queueOverflowMetricKey     = "orchestrator_shard_queue_overflow_total"
)

// task is one unit of shard work: a bus event or a contest resolution.
type task struct {
	ctx        context.Context
	event      bus.Event
	resolution *resolveRequest
}

type resolveRequest struct {
	hubID     string
	roomID    string
	contestID string
	outcome   contest.Resolution
	reply     chan resolveResult
}

type resolveResult struct {
	record contest.Record
	err    error
}

// queue stores staged shard tasks in a ring. The ring doubles instead of
// rejecting when full; every growth is counted as an overflow so operators
// can size the shard capacity.
type queue struct {
	mu      sync.Mutex
	data    []task
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
	key     string
}

func newQueue(shard, capacity int, metrics telemetry.Metrics) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		data:    make([]task, capacity),
		metrics: metrics,
		key:     queueOccupancyMetricPrefix + strconv.Itoa(shard),
	}
}

// Capacity reports the current ring size.
func (q *queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Push stages a task in FIFO order.
func (q *queue) Push(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.data) {
		q.growLocked()
		if q.metrics != nil {
			q.metrics.Add(queueOverflowMetricKey, 1)
		}
	}
	q.data[q.tail] = t
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	q.storeOccupancyLocked()
}

// Pop removes the oldest task.
func (q *queue) Pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return task{}, false
	}
	t := q.data[q.head]
	q.data[q.head] = task{}
	q.head = (q.head + 1) % len(q.data)
	q.count--
	q.storeOccupancyLocked()
	return t, true
}

// Len reports the number of staged tasks.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *queue) growLocked() {
	grown := make([]task, len(q.data)*2)
	for i := 0; i < q.count; i++ {
		grown[i] = q.data[(q.head+i)%len(q.data)]
	}
	q.data = grown
	q.head = 0
	q.tail = q.count
}

func (q *queue) storeOccupancyLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.Store(q.key, uint64(q.count))
}
