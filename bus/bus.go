// Package bus propagates "this resource kind changed" events after
// successful mutations. Propagation is two-tier: a synchronous
// in-process notification and an asynchronous cross-context broadcast.
// Both tiers converge on the same handler, which evicts the affected
// cache entries and notifies subscribers.
package bus

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kamer-pro/resilient/cache"
)

// EventCalendarUpdated is the cross-context event kind emitted for
// calendar mutations.
const EventCalendarUpdated = "calendar_updated"

// Event is the invalidation message shared by both propagation tiers.
type Event struct {
	Kind       string `json:"type"`
	ResourceID string `json:"listingId,omitempty"`
}

// Config configures a Bus. Store is required; Transport is optional
// (no cross-context propagation without it).
type Config struct {
	Store     *cache.Store
	Transport Transport
	Logger    zerolog.Logger
}

// Bus maps mutation paths to cache evictions and fans events out to
// subscribers and other contexts.
type Bus struct {
	store     *cache.Store
	transport Transport
	log       zerolog.Logger

	// gateway hooks, bound by the read gateway
	forgetReads     func(pathPrefix string)
	refreshListings func()

	mu          sync.Mutex
	subscribers map[string]map[int]func(Event)
	nextID      int
}

func New(cfg Config) *Bus {
	b := &Bus{
		store:       cfg.Store,
		transport:   cfg.Transport,
		log:         cfg.Logger,
		subscribers: make(map[string]map[int]func(Event)),
	}
	if b.transport != nil {
		b.transport.SetHandler(b.handleRemote)
	}
	return b
}

// BindGateway wires the read gateway's coalescing-reset and
// listing-refresh hooks. Called by the gateway at construction.
func (b *Bus) BindGateway(forgetReads func(pathPrefix string), refreshListings func()) {
	b.forgetReads = forgetReads
	b.refreshListings = refreshListings
}

// Subscribe registers fn for events of the given kind and returns the
// matching unsubscribe function. Delivery is synchronous for local
// events and happens on the transport's goroutine for remote ones.
func (b *Bus) Subscribe(kind string, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[kind] == nil {
		b.subscribers[kind] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subscribers[kind][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[kind], id)
	}
}

// OnMutation inspects the path of a successful non-idempotent response
// and triggers the matching evictions, notifications, and broadcasts.
func (b *Bus) OnMutation(method, path string) {
	b.log.Debug().Str("method", method).Str("path", path).Msg("Invalidating after mutation")
	switch {
	case strings.Contains(path, "/calendar"):
		// A calendar change alters listing availability everywhere.
		b.store.EvictCollection(cache.Listings)
		if id := extractListingID(path); id != "" {
			ev := Event{Kind: EventCalendarUpdated, ResourceID: id}
			b.dispatch(ev)
			b.broadcast(ev)
		}
	case strings.Contains(path, "/listings"):
		b.store.EvictCollection(cache.Listings)
		b.store.EvictCollection(cache.Towns)
		b.store.DropCriticalListings()
		if b.forgetReads != nil {
			b.forgetReads("/listings")
		}
		if strings.HasSuffix(strings.TrimRight(path, "/"), "/publish") && b.refreshListings != nil {
			b.refreshListings()
		}
	case strings.Contains(path, "/bookings"):
		b.store.EvictCollection(cache.Bookings)
	case strings.Contains(path, "/messages"):
		b.store.EvictCollection(cache.Messages)
		b.store.EvictCollection(cache.Conversations)
	case strings.Contains(path, "/account/user"):
		b.store.EvictCollection(cache.Users)
	}
}

// handleRemote converges cross-context events onto the same eviction
// and notification path as local ones, without re-broadcasting.
func (b *Bus) handleRemote(ev Event) {
	b.log.Debug().Str("kind", ev.Kind).Str("resourceId", ev.ResourceID).Msg("Received cross-context event")
	if ev.Kind == EventCalendarUpdated && ev.ResourceID != "" {
		b.store.Evict(cache.Listings, ev.ResourceID)
	}
	b.dispatch(ev)
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subscribers[ev.Kind]))
	for _, fn := range b.subscribers[ev.Kind] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bus) broadcast(ev Event) {
	if b.transport == nil {
		return
	}
	if err := b.transport.Send(ev); err != nil {
		b.log.Error().Err(err).Str("kind", ev.Kind).Msg("Could not broadcast event")
	}
}

// extractListingID pulls the listing id out of a calendar mutation
// path, e.g. /listings/L2/calendar or /calendar/L2.
func extractListingID(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		if seg != "calendar" {
			continue
		}
		if i+1 < len(segs) && segs[i+1] != "" {
			return segs[i+1]
		}
		if i > 0 && segs[i-1] != "listings" {
			return segs[i-1]
		}
	}
	return ""
}
