// Package cache is a typed, multi-collection key-value store with
// per-record time-to-live. Reads evict lazily: an expired record is
// deleted by the read that discovers it and never served. The cache is
// strictly best-effort: storage errors are logged and degrade to
// misses or no-ops, never failing the caller.
package cache

import (
	"time"

	"github.com/rs/zerolog"
)

// Collection names, one per resource kind.
const (
	Listings      = "listings"
	Users         = "users"
	Messages      = "messages"
	Bookings      = "bookings"
	Reviews       = "reviews"
	Images        = "images"
	Towns         = "towns"
	Conversations = "conversations"
)

// Default TTLs per collection, reflecting volatility.
var defaultTTLs = map[string]time.Duration{
	Listings:      30 * time.Minute,
	Users:         time.Hour,
	Messages:      5 * time.Minute,
	Bookings:      15 * time.Minute,
	Reviews:       time.Hour,
	Images:        24 * time.Hour,
	Towns:         12 * time.Hour,
	Conversations: 5 * time.Minute,
}

// Collections lists every known collection name.
func Collections() []string {
	return []string{Listings, Users, Messages, Bookings, Reviews, Images, Towns, Conversations}
}

// DefaultTTL returns the default time-to-live for a collection.
// Unknown collections get the listings default.
func DefaultTTL(collection string) time.Duration {
	if ttl, ok := defaultTTLs[collection]; ok {
		return ttl
	}
	return defaultTTLs[Listings]
}

const criticalListingsKey = "critical_listings"

// Store is the persistent cache. It exclusively owns all persisted
// records; nothing else writes to the provider's collections.
type Store struct {
	provider Provider
	log      zerolog.Logger
	now      func() time.Time
}

// NewStore wraps the provider. The now function may be overridden in
// tests via WithClock.
func NewStore(provider Provider, logger zerolog.Logger) *Store {
	return &Store{provider: provider, log: logger, now: time.Now}
}

// WithClock replaces the store's clock and returns the store.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Provider exposes the backing provider, for components sharing its
// meta area (scheduler, mutation queue).
func (s *Store) Provider() Provider { return s.provider }

// Put stores data under key in the collection. A zero ttl selects the
// collection default.
func (s *Store) Put(collection, key string, data []byte, ttl time.Duration) {
	if key == "" {
		return
	}
	if ttl == 0 {
		ttl = DefaultTTL(collection)
	}
	rec := Record{Key: key, Data: data, WrittenAt: s.now(), TTL: ttl}
	if err := s.provider.Put(collection, rec); err != nil {
		s.log.Error().Err(err).Str("collection", collection).Str("key", key).Msg("Could not write to cache")
	}
}

// PutMany stores a batch of records with one wall-clock instant.
// Items with empty keys are skipped.
func (s *Store) PutMany(collection string, items map[string][]byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = DefaultTTL(collection)
	}
	now := s.now()
	for key, data := range items {
		if key == "" {
			continue
		}
		rec := Record{Key: key, Data: data, WrittenAt: now, TTL: ttl}
		if err := s.provider.Put(collection, rec); err != nil {
			s.log.Error().Err(err).Str("collection", collection).Str("key", key).Msg("Could not write to cache")
		}
	}
}

// Get returns the data under key, or false on a miss. An expired record
// is evicted and reported as a miss.
func (s *Store) Get(collection, key string) ([]byte, bool) {
	rec, ok, err := s.provider.Get(collection, key)
	if err != nil {
		s.log.Error().Err(err).Str("collection", collection).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if rec.Expired(s.now()) {
		if err := s.provider.Delete(collection, key); err != nil {
			s.log.Error().Err(err).Str("collection", collection).Str("key", key).Msg("Could not evict expired record")
		}
		return nil, false
	}
	return rec.Data, true
}

// GetAllFresh returns the data of every unexpired record in the
// collection, or nil if none is stored. Callers must distinguish nil
// ("no data") from an empty response they may have cached.
func (s *Store) GetAllFresh(collection string) [][]byte {
	recs, err := s.provider.All(collection)
	if err != nil {
		s.log.Error().Err(err).Str("collection", collection).Msg("Could not read collection")
		return nil
	}
	now := s.now()
	var fresh [][]byte
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		fresh = append(fresh, rec.Data)
	}
	return fresh
}

// PutImage stores a binary media payload verbatim, keyed by source URL.
func (s *Store) PutImage(url string, blob []byte) {
	s.Put(Images, url, blob, 0)
}

// Image returns the cached media payload for a source URL.
func (s *Store) Image(url string) ([]byte, bool) {
	return s.Get(Images, url)
}

// Evict removes a single record, if present.
func (s *Store) Evict(collection, key string) {
	if err := s.provider.Delete(collection, key); err != nil {
		s.log.Error().Err(err).Str("collection", collection).Str("key", key).Msg("Could not evict record")
	}
}

// EvictCollection removes every record in the collection.
func (s *Store) EvictCollection(collection string) {
	if err := s.provider.Clear(collection); err != nil {
		s.log.Error().Err(err).Str("collection", collection).Msg("Could not clear collection")
		return
	}
	s.log.Debug().Str("collection", collection).Msg("Collection evicted")
}

// EvictAll wipes every collection and the critical-listings snapshot.
func (s *Store) EvictAll() {
	for _, collection := range Collections() {
		s.EvictCollection(collection)
	}
	s.DropCriticalListings()
}

// DropCriticalListings removes the cold-start listings snapshot.
func (s *Store) DropCriticalListings() {
	if err := s.provider.DeleteMeta(criticalListingsKey); err != nil {
		s.log.Error().Err(err).Msg("Could not drop critical listings snapshot")
	}
}

// SweepExpired deletes every expired record across all collections.
// Reads already evict lazily; the sweep just reclaims storage early.
func (s *Store) SweepExpired() {
	now := s.now()
	for _, collection := range Collections() {
		recs, err := s.provider.All(collection)
		if err != nil {
			s.log.Error().Err(err).Str("collection", collection).Msg("Could not read collection for sweep")
			continue
		}
		for _, rec := range recs {
			if !rec.Expired(now) {
				continue
			}
			if err := s.provider.Delete(collection, rec.Key); err != nil {
				s.log.Error().Err(err).Str("collection", collection).Str("key", rec.Key).Msg("Could not evict expired record")
			}
		}
	}
}

// Stats returns the stored record count per collection, expired
// records included until a read or sweep removes them.
func (s *Store) Stats() map[string]int {
	stats := make(map[string]int, len(Collections()))
	for _, collection := range Collections() {
		n, err := s.provider.Count(collection)
		if err != nil {
			s.log.Error().Err(err).Str("collection", collection).Msg("Could not count collection")
			continue
		}
		stats[collection] = n
	}
	return stats
}

// SaveCriticalListings stores a minimal listings snapshot for the
// coldest-start offline case. It survives TTL expiry but not EvictAll.
func (s *Store) SaveCriticalListings(data []byte) {
	if err := s.provider.PutMeta(criticalListingsKey, string(data)); err != nil {
		s.log.Error().Err(err).Msg("Could not save critical listings snapshot")
	}
}

// CriticalListings returns the cold-start listings snapshot, if any.
func (s *Store) CriticalListings() ([]byte, bool) {
	val, ok, err := s.provider.GetMeta(criticalListingsKey)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read critical listings snapshot")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return []byte(val), true
}
