package cache

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Now()}
	store := NewStore(NewMemProvider(), zerolog.Nop()).WithClock(clock.Now)
	return store, clock
}

func TestGetReturnsFreshRecord(t *testing.T) {
	store, _ := newTestStore()
	store.Put(Listings, "L1", []byte(`{"id":"L1"}`), 0)

	data, ok := store.Get(Listings, "L1")
	if !ok || string(data) != `{"id":"L1"}` {
		t.Fatalf("got %q, ok=%v", data, ok)
	}
}

func TestExpiredRecordIsEvictedOnRead(t *testing.T) {
	store, clock := newTestStore()
	store.Put(Messages, "m1", []byte("hello"), time.Minute)

	clock.Advance(2 * time.Minute)
	if _, ok := store.Get(Messages, "m1"); ok {
		t.Fatal("expired record was served")
	}
	// Lazy eviction removed the record, so stats no longer count it.
	if n := store.Stats()[Messages]; n != 0 {
		t.Fatalf("stats count %d records after expiry read", n)
	}
}

func TestRecordReadableAtExactTTL(t *testing.T) {
	store, clock := newTestStore()
	store.Put(Users, "7", []byte("u"), time.Minute)

	clock.Advance(time.Minute)
	if _, ok := store.Get(Users, "7"); !ok {
		t.Fatal("record at exactly its TTL boundary should still be readable")
	}
}

func TestCollectionDefaultTTL(t *testing.T) {
	store, clock := newTestStore()
	store.Put(Conversations, "list", []byte("c"), 0)

	// Conversations default to 5 minutes.
	clock.Advance(4 * time.Minute)
	if _, ok := store.Get(Conversations, "list"); !ok {
		t.Fatal("record expired before its collection default TTL")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := store.Get(Conversations, "list"); ok {
		t.Fatal("record outlived its collection default TTL")
	}
}

func TestGetAllFreshDistinguishesEmptyFromMissing(t *testing.T) {
	store, clock := newTestStore()
	if fresh := store.GetAllFresh(Listings); fresh != nil {
		t.Fatal("empty collection should report nil")
	}

	store.PutMany(Listings, map[string][]byte{
		"L1": []byte("a"),
		"L2": []byte("b"),
		"":   []byte("skipped"),
	}, 0)
	fresh := store.GetAllFresh(Listings)
	if len(fresh) != 2 {
		t.Fatalf("got %d fresh records, expected 2", len(fresh))
	}

	clock.Advance(31 * time.Minute)
	if fresh := store.GetAllFresh(Listings); fresh != nil {
		t.Fatal("all-expired collection should report nil")
	}
}

func TestEvictAllDropsEverything(t *testing.T) {
	store, _ := newTestStore()
	store.Put(Listings, "L1", []byte("a"), 0)
	store.Put(Bookings, "b1", []byte("b"), 0)
	store.SaveCriticalListings([]byte("[]"))

	store.EvictAll()

	for collection, n := range store.Stats() {
		if n != 0 {
			t.Fatalf("collection %s still holds %d records", collection, n)
		}
	}
	if _, ok := store.CriticalListings(); ok {
		t.Fatal("critical snapshot survived EvictAll")
	}
}

func TestSweepExpired(t *testing.T) {
	store, clock := newTestStore()
	store.Put(Listings, "old", []byte("a"), time.Minute)
	store.Put(Listings, "new", []byte("b"), time.Hour)

	clock.Advance(10 * time.Minute)
	store.SweepExpired()

	if n := store.Stats()[Listings]; n != 1 {
		t.Fatalf("sweep left %d records, expected 1", n)
	}
	if _, ok := store.Get(Listings, "new"); !ok {
		t.Fatal("sweep removed an unexpired record")
	}
}

func TestImagesStoredVerbatim(t *testing.T) {
	store, _ := newTestStore()
	blob := []byte{0xff, 0xd8, 0xff, 0x00, 0x01}
	store.PutImage("https://img.example.com/a.jpg", blob)

	got, ok := store.Image("https://img.example.com/a.jpg")
	if !ok || !bytes.Equal(got, blob) {
		t.Fatalf("image payload mangled: %v", got)
	}
}

func TestCacheWriteFailureDoesNotPanic(t *testing.T) {
	// A store over a closed provider must degrade to misses, never fail.
	provider, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	provider.Close()
	store := NewStore(provider, zerolog.Nop())

	store.Put(Listings, "L1", []byte("a"), 0)
	if _, ok := store.Get(Listings, "L1"); ok {
		t.Fatal("closed provider served data")
	}
}

func TestSQLiteProviderRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	provider, err := NewSQLiteProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	defer provider.Close()

	written := time.Now().Truncate(time.Millisecond)
	rec := Record{Key: "L1", Data: []byte(`{"id":"L1"}`), WrittenAt: written, TTL: 30 * time.Minute}
	if err := provider.Put("listings", rec); err != nil {
		t.Fatal(err)
	}

	got, ok, err := provider.Get("listings", "L1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.WrittenAt.Equal(written) || got.TTL != rec.TTL || string(got.Data) != string(rec.Data) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	if err := provider.PutMeta("k", "v"); err != nil {
		t.Fatal(err)
	}
	if val, ok, _ := provider.GetMeta("k"); !ok || val != "v" {
		t.Fatalf("meta roundtrip: %q ok=%v", val, ok)
	}
	if err := provider.DeleteMeta("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := provider.GetMeta("k"); ok {
		t.Fatal("meta survived delete")
	}

	n, err := provider.Count("listings")
	if err != nil || n != 1 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	if err := provider.Clear("listings"); err != nil {
		t.Fatal(err)
	}
	if n, _ := provider.Count("listings"); n != 0 {
		t.Fatalf("%d records after clear", n)
	}
}
