package resilient

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kamer-pro/resilient/cache"
)

// Resource kinds understood by the gateway out of the box.
const (
	KindListingSearch = "listing_search"
	KindListing       = "listing"
	KindUser          = "user"
	KindTowns         = "towns"
	KindReviews       = "reviews"
	KindConversations = "conversations"
	KindConversation  = "conversation"
	KindBookings      = "bookings"
	KindBooking       = "booking"
)

// Trim caps per resource shape, bounding cache storage growth.
const (
	listingSearchCap = 24
	reviewsCap       = 10
	messagesCap      = 50
)

// Descriptor tells the gateway what subset of a response is worth
// caching and how to reconstruct a cached response into the shape
// callers expect. New kinds are additive via Register.
type Descriptor struct {
	Kind string
	// WriteBack persists the cache-worthy projection of a successful
	// response. Best-effort; it runs detached from the read path.
	WriteBack func(store *cache.Store, req ReadRequest, body []byte)
	// Lookup reconstructs a cached response, reporting whether the
	// cache can serve this particular request at all.
	Lookup func(store *cache.Store, req ReadRequest) ([]byte, bool)
}

var registry = map[string]Descriptor{}

// Register adds or replaces a resource descriptor.
func Register(d Descriptor) {
	registry[d.Kind] = d
}

func descriptorFor(kind string) (Descriptor, bool) {
	d, ok := registry[kind]
	return d, ok
}

func init() {
	Register(Descriptor{
		Kind: KindListingSearch,
		// Only the unfiltered first page is cached, as per-listing
		// records; filtered or paginated results would poison the
		// reconstructed collection.
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			if !unfiltered(req) {
				return
			}
			items, ok := jsonItems(body, "listings")
			if !ok {
				return
			}
			if len(items) > listingSearchCap {
				items = items[:listingSearchCap]
			}
			records := make(map[string][]byte, len(items))
			for _, item := range items {
				records[itemKey(item)] = item
			}
			store.PutMany(cache.Listings, records, 0)
			if snapshot, err := json.Marshal(items); err == nil {
				store.SaveCriticalListings(snapshot)
			}
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			// A cached subset cannot answer a filtered or paginated
			// query correctly; refuse rather than serve a wrong slice.
			if !unfiltered(req) {
				return nil, false
			}
			if fresh := store.GetAllFresh(cache.Listings); fresh != nil {
				return marshalItems(fresh)
			}
			return store.CriticalListings()
		},
	})
	Register(Descriptor{
		Kind: KindListing,
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			store.Put(cache.Listings, lastSegment(req.Path), body, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Listings, lastSegment(req.Path))
		},
	})
	Register(Descriptor{
		Kind: KindUser,
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			store.Put(cache.Users, lastSegment(req.Path), body, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Users, lastSegment(req.Path))
		},
	})
	Register(Descriptor{
		Kind: KindTowns,
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			store.Put(cache.Towns, "all", body, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Towns, "all")
		},
	})
	Register(Descriptor{
		Kind: KindReviews,
		// Reviews are capped to the most recent few; the response is
		// assumed newest-first.
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			items, ok := jsonItems(body, "reviews")
			if !ok {
				return
			}
			if len(items) > reviewsCap {
				items = items[:reviewsCap]
			}
			trimmed, err := json.Marshal(items)
			if err != nil {
				return
			}
			store.Put(cache.Reviews, segmentAfter(req.Path, "listings"), trimmed, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Reviews, segmentAfter(req.Path, "listings"))
		},
	})
	Register(Descriptor{
		Kind: KindConversations,
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			store.Put(cache.Conversations, "list", body, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Conversations, "list")
		},
	})
	Register(Descriptor{
		Kind: KindConversation,
		// Message lists are capped to the newest tail of the thread.
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			trimmed := trimMessages(body)
			store.Put(cache.Messages, conversationKey(req.Path), trimmed, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Messages, conversationKey(req.Path))
		},
	})
	Register(Descriptor{
		Kind: KindBookings,
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			items, ok := jsonItems(body, "bookings")
			if !ok {
				return
			}
			records := make(map[string][]byte, len(items))
			for _, item := range items {
				records[itemKey(item)] = item
			}
			store.PutMany(cache.Bookings, records, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			if !unfiltered(req) {
				return nil, false
			}
			if fresh := store.GetAllFresh(cache.Bookings); fresh != nil {
				return marshalItems(fresh)
			}
			return nil, false
		},
	})
	Register(Descriptor{
		Kind: KindBooking,
		WriteBack: func(store *cache.Store, req ReadRequest, body []byte) {
			store.Put(cache.Bookings, lastSegment(req.Path), body, 0)
		},
		Lookup: func(store *cache.Store, req ReadRequest) ([]byte, bool) {
			return store.Get(cache.Bookings, lastSegment(req.Path))
		},
	})
}

// unfiltered reports whether the request carries no filters and no
// pagination beyond the first page.
func unfiltered(req ReadRequest) bool {
	for key, values := range req.Params {
		if key == "page" && len(values) == 1 && values[0] == "1" {
			continue
		}
		return false
	}
	return true
}

// jsonItems extracts the item list from a response body: either a
// top-level JSON array or an object wrapping the array under the given
// field name.
func jsonItems(body []byte, field string) ([]json.RawMessage, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return items, true
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(envelope[field], &items); err != nil {
		return nil, false
	}
	return items, true
}

func marshalItems(items [][]byte) ([]byte, bool) {
	raws := make([]json.RawMessage, len(items))
	for i, item := range items {
		raws[i] = item
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return nil, false
	}
	return data, true
}

// itemKey derives a record key from an item's natural identifier,
// looking through the common view-object wrappers.
func itemKey(item json.RawMessage) string {
	var probe struct {
		ID      any `json:"id"`
		Listing struct {
			ID any `json:"id"`
		} `json:"listing"`
		Booking struct {
			ID any `json:"id"`
		} `json:"booking"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return ""
	}
	for _, id := range []any{probe.Listing.ID, probe.Booking.ID, probe.ID} {
		if s := idString(id); s != "" {
			return s
		}
	}
	return ""
}

func idString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// trimMessages caps a conversation payload to its newest messages.
// Supports a bare message array or an object with a "messages" field;
// anything else is stored verbatim.
func trimMessages(body []byte) []byte {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		if len(items) > messagesCap {
			items = items[len(items)-messagesCap:]
		}
		if trimmed, err := json.Marshal(items); err == nil {
			return trimmed
		}
		return body
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	if err := json.Unmarshal(envelope["messages"], &items); err != nil {
		return body
	}
	if len(items) > messagesCap {
		items = items[len(items)-messagesCap:]
	}
	trimmed, err := json.Marshal(items)
	if err != nil {
		return body
	}
	envelope["messages"] = trimmed
	if out, err := json.Marshal(envelope); err == nil {
		return out
	}
	return body
}

func lastSegment(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func segmentAfter(path, name string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		if seg == name && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	return lastSegment(path)
}

func conversationKey(path string) string {
	if strings.Contains(path, "/conversations/") {
		return segmentAfter(path, "conversations")
	}
	return lastSegment(path)
}
