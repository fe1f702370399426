package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kamer-pro/resilient/bus"
	"github.com/kamer-pro/resilient/cache"
	"github.com/kamer-pro/resilient/netmon"
	"github.com/kamer-pro/resilient/queue"
)

func onlineMonitor() *netmon.Monitor {
	return netmon.NewMonitor(netmon.AlwaysOnline(), zerolog.Nop())
}

func offlineMonitor() *netmon.Monitor {
	return netmon.NewMonitor(&netmon.StaticSource{Fixed: netmon.Link{Online: false}}, zerolog.Nop())
}

func newTestStore() *cache.Store {
	return cache.NewStore(cache.NewMemProvider(), zerolog.Nop())
}

func TestConcurrentReadsCoalesce(t *testing.T) {
	var hits atomic.Int32
	r := chi.NewRouter()
	r.Get("/listings/{id}", func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"id":"L1"}`))
	})
	server := httptest.NewServer(r)
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Cache: newTestStore(), Monitor: onlineMonitor(), Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	results := make([]ReadResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Read(context.Background(), ReadRequest{Kind: KindListing, Path: "/listings/L1"})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("8 concurrent identical reads hit the origin %d times", hits.Load())
	}
	for _, res := range results {
		if string(res.Data) != `{"id":"L1"}` {
			t.Fatalf("coalesced read returned %q", res.Data)
		}
	}
}

func TestOfflineReadServesCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	store := newTestStore()
	store.Put(cache.Listings, "L1", []byte(`{"id":"L1","title":"cabin"}`), 0)
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: offlineMonitor(), Logger: zerolog.Nop()})

	res, err := c.Read(context.Background(), ReadRequest{Kind: KindListing, Path: "/listings/L1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Fatal("offline read not marked as served from cache")
	}
	if string(res.Data) != `{"id":"L1","title":"cabin"}` {
		t.Fatalf("got %q", res.Data)
	}
	if hits.Load() != 0 {
		t.Fatal("offline read touched the network")
	}
}

func TestOfflineReadWithoutCacheFails(t *testing.T) {
	c := New(Config{BaseURL: "http://unreachable.invalid", Cache: newTestStore(), Monitor: offlineMonitor(), Logger: zerolog.Nop()})
	_, err := c.Read(context.Background(), ReadRequest{Kind: KindListing, Path: "/listings/L1"})
	if !errors.Is(err, ErrOfflineNoCache) {
		t.Fatalf("got %v, expected ErrOfflineNoCache", err)
	}
}

func TestUnknownKindIsRejected(t *testing.T) {
	c := New(Config{BaseURL: "http://x", Cache: newTestStore(), Monitor: offlineMonitor(), Logger: zerolog.Nop()})
	_, err := c.Read(context.Background(), ReadRequest{Kind: "mystery", Path: "/x"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("got %v, expected ErrUnknownKind", err)
	}
}

// A failing origin is retried up to the attempt budget, then the read
// degrades to the cached copy instead of surfacing the network error.
func TestTransientFailureFallsBackToCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newTestStore()
	store.Put(cache.Listings, "L1", []byte(`{"id":"L1"}`), 0)
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: onlineMonitor(), Logger: zerolog.Nop()})

	res, err := c.Read(context.Background(), ReadRequest{Kind: KindListing, Path: "/listings/L1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Fatal("read should have degraded to the cache")
	}
	// Good quality budgets three attempts.
	if hits.Load() != 3 {
		t.Fatalf("origin hit %d times, expected 3", hits.Load())
	}
}

func TestSkipCacheSurfacesNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newTestStore()
	store.Put(cache.Listings, "L1", []byte(`{"id":"L1"}`), 0)
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: onlineMonitor(), Logger: zerolog.Nop()})

	_, err := c.Read(context.Background(), ReadRequest{Kind: KindListing, Path: "/listings/L1", SkipCache: true})
	if err == nil {
		t.Fatal("skip-cache read served stale data instead of failing")
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	p := retryPolicy(netmon.Excellent)
	if d := p.NextBackOff(); d != 500*time.Millisecond {
		t.Fatalf("first delay is %v", d)
	}
	if d := p.NextBackOff(); d != time.Second {
		t.Fatalf("second delay is %v", d)
	}
	if d := p.NextBackOff(); d != backoff.Stop {
		t.Fatalf("budget of 3 attempts not enforced, got %v", d)
	}

	p = retryPolicy(netmon.Poor)
	if d := p.NextBackOff(); d != 500*time.Millisecond {
		t.Fatalf("first delay is %v", d)
	}
	if d := p.NextBackOff(); d != backoff.Stop {
		t.Fatalf("poor-quality budget of 2 attempts not enforced, got %v", d)
	}
}

func TestSessionProbe401IsAnonymous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var expired atomic.Int32
	c := New(Config{
		BaseURL:          server.URL,
		Cache:            newTestStore(),
		Monitor:          onlineMonitor(),
		SessionProbePath: "/auth/session",
		OnAuthExpired:    func() { expired.Add(1) },
		Logger:           zerolog.Nop(),
	})

	res, err := c.Read(context.Background(), ReadRequest{Kind: KindUser, Path: "/auth/session"})
	if err != nil {
		t.Fatalf("probe rejection surfaced as error: %v", err)
	}
	if !res.Anonymous {
		t.Fatal("probe rejection not reported as anonymous")
	}
	if expired.Load() != 0 {
		t.Fatal("probe rejection fired the auth-expired hook")
	}
}

func TestAuthExpiredFiresOncePerExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var expired atomic.Int32
	c := New(Config{
		BaseURL:       server.URL,
		Cache:         newTestStore(),
		Monitor:       onlineMonitor(),
		OnAuthExpired: func() { expired.Add(1) },
		Logger:        zerolog.Nop(),
	})

	for _, path := range []string{"/bookings/1", "/bookings/2", "/bookings/3"} {
		_, err := c.Read(context.Background(), ReadRequest{Kind: KindBooking, Path: path})
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("got %v, expected AuthError", err)
		}
	}
	if expired.Load() != 1 {
		t.Fatalf("auth-expired hook fired %d times for one expiry burst", expired.Load())
	}
}

func TestMutateInvalidatesCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"b9"}`))
	}))
	defer server.Close()

	store := newTestStore()
	store.Put(cache.Bookings, "b1", []byte("stale"), 0)
	b := bus.New(bus.Config{Store: store, Logger: zerolog.Nop()})
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: onlineMonitor(), Bus: b, Logger: zerolog.Nop()})

	res, err := c.Mutate(context.Background(), Mutation{Method: http.MethodPost, Path: "/bookings", Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != `{"id":"b9"}` {
		t.Fatalf("got %q", res.Data)
	}
	if _, ok := store.Get(cache.Bookings, "b1"); ok {
		t.Fatal("successful mutation left stale bookings cached")
	}
}

func TestTransientMutationIsQueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	q, err := queue.New(queue.Config{Store: queue.NewMemStore(), Monitor: offlineMonitor(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	c := New(Config{
		BaseURL:     server.URL,
		Cache:       newTestStore(),
		Monitor:     onlineMonitor(),
		Queue:       q,
		TokenSource: func() string { return "tok" },
		Logger:      zerolog.Nop(),
	})

	res, err := c.SendMessage(context.Background(), "c1", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("queue-eligible transient failure surfaced as error: %v", err)
	}
	if !res.Queued || res.QueuedID == "" {
		t.Fatalf("mutation not reported as queued: %+v", res)
	}
	items := q.Items()
	if len(items) != 1 {
		t.Fatalf("queue holds %d items", len(items))
	}
	if items[0].Headers["Authorization"] != "Bearer tok" {
		t.Fatal("queued item did not capture the bearer token")
	}
	if items[0].URL != server.URL+"/messages/c1" {
		t.Fatalf("queued item targets %q", items[0].URL)
	}
}

func TestClientErrorIsNotQueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	q, err := queue.New(queue.Config{Store: queue.NewMemStore(), Monitor: offlineMonitor(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	c := New(Config{BaseURL: server.URL, Cache: newTestStore(), Monitor: onlineMonitor(), Queue: q, Logger: zerolog.Nop()})

	if _, err := c.SendMessage(context.Background(), "c1", json.RawMessage(`{}`)); err == nil {
		t.Fatal("rejected mutation reported success")
	}
	if q.Len() != 0 {
		t.Fatal("rejected mutation was queued for replay")
	}
}

func TestReadPopulatesCacheInBackground(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"L3"}`))
	}))
	defer server.Close()

	store := newTestStore()
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: onlineMonitor(), Logger: zerolog.Nop()})

	if _, err := c.Read(context.Background(), ReadRequest{Kind: KindListing, Path: "/listings/L3"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := store.Get(cache.Listings, "L3")
		return ok
	})
}

// Filtered or paginated searches must never be answered from the cached
// unfiltered subset.
func TestFilteredSearchRefusesCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newTestStore()
	store.Put(cache.Listings, "L1", []byte(`{"id":"L1"}`), 0)
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: onlineMonitor(), Logger: zerolog.Nop()})

	params := url.Values{"town": {"limbe"}}
	if _, err := c.Read(context.Background(), ReadRequest{Kind: KindListingSearch, Path: "/listings", Params: params}); err == nil {
		t.Fatal("filtered search was served from the unfiltered cache")
	}

	res, err := c.Read(context.Background(), ReadRequest{Kind: KindListingSearch, Path: "/listings"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Fatal("unfiltered search did not use the cache")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(res.Data, &items); err != nil || len(items) != 1 {
		t.Fatalf("reconstructed search is %q", res.Data)
	}
}

func TestFetchImageServesAndPopulatesCache(t *testing.T) {
	blob := []byte{0xff, 0xd8, 0xff, 0xe0}
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(blob)
	}))
	defer server.Close()

	store := newTestStore()
	c := New(Config{BaseURL: server.URL, Cache: store, Monitor: onlineMonitor(), Logger: zerolog.Nop()})

	imageURL := server.URL + "/img/a.jpg"
	got, err := c.FetchImage(context.Background(), imageURL)
	if err != nil || string(got) != string(blob) {
		t.Fatalf("first fetch: %v err=%v", got, err)
	}
	got, err = c.FetchImage(context.Background(), imageURL)
	if err != nil || string(got) != string(blob) {
		t.Fatalf("second fetch: %v err=%v", got, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("image fetched from the network %d times", hits.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
