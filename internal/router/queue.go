package router

import (
	"sync"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/bus"
)

// sessionQueueSize bounds the backlog a single per-session FIFO queue holds
// before the adapter-facing Handle call reports it full (§5's backpressure:
// the router drops with a failed/overloaded trace entry rather than
// blocking the adapter callback).
const sessionQueueSize = 64

// sessionWorker is one per-session FIFO: a buffered channel plus the
// goroutine draining it in order, so messages from the same peer within an
// instance are always processed in the order the adapter delivered them.
type sessionWorker struct {
	events chan bus.InboundEvent
	done   chan struct{}
}

// sessionQueues is a mutex-guarded map of session key -> sessionWorker,
// lazily starting one worker goroutine per session key the Router has ever
// seen traffic for.
type sessionQueues struct {
	mu      sync.Mutex
	workers map[string]*sessionWorker
	size    int
	process func(bus.InboundEvent)

	wg sync.WaitGroup
}

func newSessionQueues(size int, process func(bus.InboundEvent)) *sessionQueues {
	return &sessionQueues{
		workers: make(map[string]*sessionWorker),
		size:    size,
		process: process,
	}
}

// enqueue appends evt onto key's FIFO, starting the worker on first use.
// Returns false if the queue is at capacity — the caller records an
// overloaded trace rather than silently discarding the event.
func (q *sessionQueues) enqueue(key string, evt bus.InboundEvent) bool {
	w := q.workerFor(key)
	select {
	case w.events <- evt:
		return true
	default:
		return false
	}
}

func (q *sessionQueues) workerFor(key string) *sessionWorker {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w, ok := q.workers[key]; ok {
		return w
	}
	w := &sessionWorker{
		events: make(chan bus.InboundEvent, q.size),
		done:   make(chan struct{}),
	}
	q.workers[key] = w
	q.wg.Add(1)
	go q.run(w)
	return w
}

func (q *sessionQueues) run(w *sessionWorker) {
	defer q.wg.Done()
	for {
		select {
		case evt, ok := <-w.events:
			if !ok {
				return
			}
			q.process(evt)
		case <-w.done:
			return
		}
	}
}

// drain signals every worker to stop after its current event (if any) and
// waits up to a short bound for in-flight processing to settle. Called from
// Router.Shutdown once the owning context has already been cancelled, so
// process() calls already in flight observe ctx.Done() and finalize their
// traces with error_stage=cancelled.
func (q *sessionQueues) drain() {
	q.mu.Lock()
	workers := make([]*sessionWorker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	for _, w := range workers {
		close(w.done)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

// dedupCache is the per-instance idempotency cache keyed by
// (instance_name, channel_message_id), with a short TTL per spec.md §4.10:
// a repeated channel delivery within the TTL suppresses a second agent call
// and reports the existing trace_id.
type dedupCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	traceID string
	seenAt  time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, entries: make(map[string]dedupEntry)}
}

func dedupKey(instanceName, messageID string) string {
	return instanceName + "\x00" + messageID
}

// seen reports whether (instanceName, messageID) was already marked within
// the TTL, returning the trace_id recorded for the original delivery.
// Expired entries are swept opportunistically on each call so the cache
// never grows unbounded under sustained traffic.
func (d *dedupCache) seen(instanceName, messageID string) (string, bool) {
	key := dedupKey(instanceName, messageID)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweep(now)

	entry, ok := d.entries[key]
	if !ok {
		return "", false
	}
	if now.Sub(entry.seenAt) > d.ttl {
		delete(d.entries, key)
		return "", false
	}
	return entry.traceID, true
}

// mark records a first-seen delivery under its trace_id.
func (d *dedupCache) mark(instanceName, messageID, traceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[dedupKey(instanceName, messageID)] = dedupEntry{traceID: traceID, seenAt: time.Now()}
}

// sweep removes entries older than the TTL. Caller must hold d.mu.
func (d *dedupCache) sweep(now time.Time) {
	if len(d.entries) < 256 {
		return
	}
	for k, e := range d.entries {
		if now.Sub(e.seenAt) > d.ttl {
			delete(d.entries, k)
		}
	}
}
