// Package queue is a durable FIFO of pending non-idempotent requests.
// Items survive process restarts and are replayed sequentially once
// connectivity returns. A failed item is moved behind newer items and
// dropped for good when its retry ceiling is reached.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/kamer-pro/resilient/netmon"
)

// ErrRetriesExhausted wraps the last attempt's error when an item is
// dropped at its retry ceiling.
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	// DefaultMaxRetries is the per-item retry ceiling.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed pause after a failed attempt,
	// to avoid hammering a still-recovering network.
	DefaultRetryDelay = 5 * time.Second
)

// Item is one queued mutation.
// Invariant: RetryCount <= MaxRetries while the item is queued.
type Item struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
}

// Stats is an observability snapshot of the queue.
type Stats struct {
	Total            int
	ByMethod         map[string]int
	OldestEnqueuedAt time.Time
}

// Config configures a Queue. Store is required.
type Config struct {
	Store      Store
	HTTPClient *http.Client
	// Monitor, when set, triggers processing on offline-to-online
	// transitions.
	Monitor    *netmon.Monitor
	RetryDelay time.Duration
	MaxRetries int
	// OnExhausted is called once when an item is dropped after its
	// final failed attempt.
	OnExhausted func(Item, error)
	Logger      zerolog.Logger
}

// Queue is the durable mutation queue. It exclusively owns its backing
// store; the list is persisted on every mutation so a reload resumes
// from the last durable state.
type Queue struct {
	store       Store
	client      *http.Client
	monitor     *netmon.Monitor
	retryDelay  time.Duration
	maxRetries  int
	onExhausted func(Item, error)
	log         zerolog.Logger

	mu         sync.Mutex
	items      []Item
	processing bool

	subMu       sync.Mutex
	subscribers map[int]func([]Item)
	nextSubID   int
}

// New loads the persisted queue and wires the connectivity trigger.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	q := &Queue{
		store:       cfg.Store,
		client:      cfg.HTTPClient,
		monitor:     cfg.Monitor,
		retryDelay:  cfg.RetryDelay,
		maxRetries:  cfg.MaxRetries,
		onExhausted: cfg.OnExhausted,
		log:         cfg.Logger,
		subscribers: make(map[int]func([]Item)),
	}
	if q.client == nil {
		q.client = http.DefaultClient
	}
	if q.retryDelay == 0 {
		q.retryDelay = DefaultRetryDelay
	}
	if q.maxRetries == 0 {
		q.maxRetries = DefaultMaxRetries
	}
	items, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("queue: loading persisted queue: %w", err)
	}
	q.items = items
	if len(items) > 0 {
		q.log.Info().Int("count", len(items)).Msg("Loaded queued requests")
	}
	if q.monitor != nil {
		wasOnline := q.monitor.Online()
		q.monitor.Subscribe(func(snap netmon.Snapshot) {
			if snap.Online && !wasOnline {
				q.log.Info().Msg("Network restored, processing queued requests")
				go q.Process(context.Background())
			}
			wasOnline = snap.Online
		})
	}
	return q, nil
}

// Enqueue appends the item, persists the queue, and kicks processing if
// currently online. It returns the item id.
func (q *Queue) Enqueue(ctx context.Context, item Item) string {
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = q.maxRetries
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.persistLocked()
	q.mu.Unlock()
	q.log.Debug().Str("id", item.ID).Str("method", item.Method).Str("url", item.URL).Msg("Request queued")

	if q.monitor == nil || q.monitor.Online() {
		go q.Process(ctx)
	}
	return item.ID
}

// Dequeue removes the item with the given id, reporting whether it was
// present.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

// Items returns a copy of the queued items in order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued item.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.persistLocked()
	q.mu.Unlock()
}

// Subscribe registers fn for queue-change notifications and returns the
// matching unsubscribe function.
func (q *Queue) Subscribe(fn func([]Item)) (unsubscribe func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = fn
	return func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		delete(q.subscribers, id)
	}
}

// Stats returns counts and the oldest enqueue instant.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Total: len(q.items), ByMethod: make(map[string]int)}
	for _, item := range q.items {
		stats.ByMethod[item.Method]++
		if stats.OldestEnqueuedAt.IsZero() || item.EnqueuedAt.Before(stats.OldestEnqueuedAt) {
			stats.OldestEnqueuedAt = item.EnqueuedAt
		}
	}
	return stats
}

// Process replays the queue strictly sequentially, one in-flight
// mutation at a time. Only one Process runs at once; only while online.
// A successful item is removed; a failed item is requeued at the tail
// with its retry count incremented, or dropped and reported when the
// ceiling is reached.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.processing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	if q.monitor != nil && !q.monitor.Online() {
		q.mu.Unlock()
		q.log.Debug().Msg("Cannot process queue: offline")
		return
	}
	q.processing = true
	total := len(q.items)
	q.mu.Unlock()

	q.log.Info().Int("count", total).Msg("Processing queued requests")
	var succeeded, dropped int
	for {
		if ctx.Err() != nil {
			break
		}
		if q.monitor != nil && !q.monitor.Online() {
			q.log.Debug().Msg("Went offline, pausing queue processing")
			break
		}
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			break
		}
		item := q.items[0]
		q.mu.Unlock()

		err := q.execute(ctx, item)
		q.mu.Lock()
		// The head may have been dequeued concurrently; only act if it
		// is still the item we attempted.
		if len(q.items) == 0 || q.items[0].ID != item.ID {
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.items = q.items[1:]
			q.persistLocked()
			q.mu.Unlock()
			succeeded++
			q.log.Debug().Str("id", item.ID).Str("method", item.Method).Str("url", item.URL).Msg("Queued request succeeded")
			continue
		}
		item.RetryCount++
		if item.RetryCount >= item.MaxRetries {
			q.items = q.items[1:]
			q.persistLocked()
			q.mu.Unlock()
			dropped++
			q.log.Warn().Err(err).Str("id", item.ID).Str("method", item.Method).Str("url", item.URL).
				Int("retries", item.RetryCount).Msg("Max retries reached, dropping request")
			if q.onExhausted != nil {
				q.onExhausted(item, fmt.Errorf("%w: %v", ErrRetriesExhausted, err))
			}
			continue
		}
		// Move behind newer items so they are not starved by a
		// repeatedly-failing head.
		q.items = append(q.items[1:], item)
		q.persistLocked()
		q.mu.Unlock()
		q.log.Debug().Err(err).Str("id", item.ID).
			Int("retry", item.RetryCount).Int("max", item.MaxRetries).Msg("Queued request failed, will retry")
		select {
		case <-ctx.Done():
		case <-time.After(q.retryDelay):
		}
	}

	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
	q.log.Info().Int("succeeded", succeeded).Int("dropped", dropped).Msg("Queue processing finished")
}

func (q *Queue) execute(ctx context.Context, item Item) error {
	var body *bytes.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range item.Headers {
		req.Header.Set(name, value)
	}
	res, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, res.Status)
	}
	return nil
}

// persistLocked saves the queue and notifies subscribers.
// Callers must hold q.mu.
func (q *Queue) persistLocked() {
	if err := q.store.Save(q.items); err != nil {
		q.log.Error().Err(err).Msg("Could not persist request queue")
	}
	items := make([]Item, len(q.items))
	copy(items, q.items)
	go q.notify(items)
}

func (q *Queue) notify(items []Item) {
	q.subMu.Lock()
	fns := make([]func([]Item), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		fns = append(fns, fn)
	}
	q.subMu.Unlock()
	for _, fn := range fns {
		fn(items)
	}
}
