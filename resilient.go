// Package resilient is a client-side data-access layer for a remote
// HTTP service that must stay usable on slow, intermittent or absent
// connectivity. Reads are network-first with a cache fallback, shaped
// by the observed connection quality; concurrent identical reads
// coalesce into one network call; failed queue-eligible writes are
// persisted and replayed once connectivity returns; successful writes
// invalidate affected cache collections in this and other contexts.
package resilient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kamer-pro/resilient/bus"
	"github.com/kamer-pro/resilient/cache"
	"github.com/kamer-pro/resilient/netmon"
	"github.com/kamer-pro/resilient/queue"
)

// Config configures a Client. BaseURL, Cache and Monitor are required;
// Queue and Bus are optional capabilities.
type Config struct {
	// BaseURL of the remote service, without a trailing slash.
	BaseURL string
	// HTTPClient defaults to a client that does not follow redirects.
	HTTPClient *http.Client
	Cache      *cache.Store
	Monitor    *netmon.Monitor
	Queue      *queue.Queue
	Bus        *bus.Bus
	// TokenSource returns the current bearer token, or "" for an
	// unauthenticated request.
	TokenSource func() string
	// OnAuthExpired is invoked when a request outside the session
	// probe fails with 401. It fires at most once until a later
	// authorized request succeeds, so a burst of rejections does not
	// trigger a redirect loop.
	OnAuthExpired func()
	// SessionProbePath identifies the endpoint whose 401 means
	// "anonymous", not "error".
	SessionProbePath string
	// ListingSearchPath is refetched on forced listing refreshes.
	// Defaults to "/listings".
	ListingSearchPath string
	Logger            zerolog.Logger
}

// ReadRequest describes an idempotent read.
type ReadRequest struct {
	Kind   string
	Path   string
	Params url.Values
	// SkipCache disables the cache fallback: network result or error.
	SkipCache bool
	// Refresh busts request coalescing and always refetches.
	Refresh bool
}

// ReadResult is a read outcome. FromCache marks data served from the
// persistent cache rather than the network; Anonymous marks a session
// probe that was answered with 401.
type ReadResult struct {
	Data      []byte
	FromCache bool
	Anonymous bool
}

// Mutation describes a non-idempotent request.
type Mutation struct {
	Method  string
	Path    string
	Body    json.RawMessage
	Headers map[string]string
	// QueueOnFailure makes a transient failure enqueue the mutation
	// for replay instead of surfacing an error.
	QueueOnFailure bool
	// MaxRetries overrides the queue's per-item retry ceiling.
	MaxRetries int
}

// MutateResult is a write outcome. Queued marks a mutation that could
// not be delivered now and was durably queued instead.
type MutateResult struct {
	Data     []byte
	Queued   bool
	QueuedID string
}

// Client is the read-through gateway.
type Client struct {
	baseURL           string
	http              *http.Client
	cache             *cache.Store
	monitor           *netmon.Monitor
	queue             *queue.Queue
	bus               *bus.Bus
	tokenSource       func() string
	onAuthExpired     func()
	sessionProbePath  string
	listingSearchPath string
	log               zerolog.Logger

	group       singleflight.Group
	inflightMu  sync.Mutex
	inflight    map[string]struct{}
	authExpired atomic.Bool
}

// New creates a gateway client and binds it to the invalidation bus.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		http:              cfg.HTTPClient,
		cache:             cfg.Cache,
		monitor:           cfg.Monitor,
		queue:             cfg.Queue,
		bus:               cfg.Bus,
		tokenSource:       cfg.TokenSource,
		onAuthExpired:     cfg.OnAuthExpired,
		sessionProbePath:  cfg.SessionProbePath,
		listingSearchPath: cfg.ListingSearchPath,
		log:               cfg.Logger,
		inflight:          make(map[string]struct{}),
	}
	if c.http == nil {
		c.http = &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if c.listingSearchPath == "" {
		c.listingSearchPath = "/listings"
	}
	if c.bus != nil {
		c.bus.BindGateway(c.forgetReads, c.refreshListingSearch)
	}
	return c
}

// Read performs a network-first, cache-fallback read. Concurrent reads
// for the same path and params share one network call.
func (c *Client) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	desc, ok := descriptorFor(req.Kind)
	if !ok {
		return ReadResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	key := dedupKey(req)
	if req.Refresh {
		c.group.Forget(key)
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.trackInflight(key, true)
		defer c.trackInflight(key, false)
		return c.readOnce(ctx, desc, req)
	})
	if err != nil {
		return ReadResult{}, err
	}
	return v.(ReadResult), nil
}

func (c *Client) readOnce(ctx context.Context, desc Descriptor, req ReadRequest) (ReadResult, error) {
	log := c.log.With().Str("kind", req.Kind).Str("path", req.Path).Logger()
	online := c.monitor.Online()

	var netErr error
	if online {
		body, err := c.fetchWithRetry(ctx, req)
		if err == nil {
			go c.writeBack(desc, req, body)
			return ReadResult{Data: body}, nil
		}
		if res, handled, authErr := c.handleAuthFailure(req, err); handled {
			return res, authErr
		}
		netErr = err
		log.Debug().Err(err).Msg("Network read failed, trying cache")
	}

	if !req.SkipCache {
		if data, ok := desc.Lookup(c.cache, req); ok {
			log.Trace().Msg("Serving from cache")
			return ReadResult{Data: data, FromCache: true}, nil
		}
	}

	if !online {
		return ReadResult{}, ErrOfflineNoCache
	}

	// Online but both network and cache failed: one last attempt
	// before giving up.
	body, err := c.fetchOnce(ctx, http.MethodGet, req.Path, req.Params, nil)
	if err == nil {
		go c.writeBack(desc, req, body)
		return ReadResult{Data: body}, nil
	}
	return ReadResult{}, fmt.Errorf("unable to fetch %s: %w", req.Path, netErr)
}

// handleAuthFailure maps a 401 to its special cases: the session probe
// degrades to an anonymous result, anything else fires the
// auth-expired hook once and surfaces the error.
func (c *Client) handleAuthFailure(req ReadRequest, err error) (ReadResult, bool, error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		return ReadResult{}, false, nil
	}
	if c.sessionProbePath != "" && req.Path == c.sessionProbePath {
		c.log.Debug().Str("path", req.Path).Msg("Session probe rejected, degrading to anonymous")
		return ReadResult{Anonymous: true}, true, nil
	}
	if c.onAuthExpired != nil && c.authExpired.CompareAndSwap(false, true) {
		c.onAuthExpired()
	}
	return ReadResult{}, true, authErr
}

// Mutate sends a non-idempotent request. Transient failures of
// queue-eligible mutations are enqueued for replay and reported as
// queued, not as errors. Successful mutations trigger invalidation.
func (c *Client) Mutate(ctx context.Context, m Mutation) (MutateResult, error) {
	body, err := c.fetchOnce(ctx, m.Method, m.Path, nil, m.Body)
	if err == nil {
		if c.bus != nil {
			c.bus.OnMutation(m.Method, m.Path)
		}
		return MutateResult{Data: body}, nil
	}

	if authErr, ok := err.(*AuthError); ok {
		if c.onAuthExpired != nil && c.authExpired.CompareAndSwap(false, true) {
			c.onAuthExpired()
		}
		return MutateResult{}, authErr
	}

	if IsTransient(err) && m.QueueOnFailure && c.queue != nil {
		headers := map[string]string{}
		for name, value := range m.Headers {
			headers[name] = value
		}
		if c.tokenSource != nil {
			if token := c.tokenSource(); token != "" {
				headers["Authorization"] = "Bearer " + token
			}
		}
		id := c.queue.Enqueue(ctx, queue.Item{
			URL:        c.baseURL + m.Path,
			Method:     m.Method,
			Body:       m.Body,
			Headers:    headers,
			MaxRetries: m.MaxRetries,
		})
		c.log.Info().Str("id", id).Str("method", m.Method).Str("path", m.Path).Msg("Mutation queued for replay")
		return MutateResult{Queued: true, QueuedID: id}, nil
	}
	return MutateResult{}, err
}

// SendMessage posts a message mutation, queueing it on failure.
func (c *Client) SendMessage(ctx context.Context, conversationID string, body json.RawMessage) (MutateResult, error) {
	return c.Mutate(ctx, Mutation{
		Method:         http.MethodPost,
		Path:           "/messages/" + conversationID,
		Body:           body,
		QueueOnFailure: true,
	})
}

// CreateBooking posts a booking mutation, queueing it on failure.
func (c *Client) CreateBooking(ctx context.Context, body json.RawMessage) (MutateResult, error) {
	return c.Mutate(ctx, Mutation{
		Method:         http.MethodPost,
		Path:           "/bookings",
		Body:           body,
		QueueOnFailure: true,
	})
}

// FetchImage returns image bytes for a source URL, serving and
// populating the binary cache. Images are cached verbatim.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	if blob, ok := c.cache.Image(imageURL); ok {
		return blob, nil
	}
	if !c.monitor.Online() {
		return nil, ErrOfflineNoCache
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unable to fetch image: HTTP %d", res.StatusCode)
	}
	blob, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	c.cache.PutImage(imageURL, blob)
	return blob, nil
}

// fetchWithRetry performs a GET with capped exponential backoff.
// Only transient failures are retried; the attempt budget scales with
// connection quality.
func (c *Client) fetchWithRetry(ctx context.Context, req ReadRequest) ([]byte, error) {
	policy := backoff.WithContext(retryPolicy(c.monitor.Snapshot().Quality), ctx)
	var body []byte
	err := backoff.Retry(func() error {
		var err error
		body, err = c.fetchOnce(ctx, http.MethodGet, req.Path, req.Params, nil)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// fetchOnce performs a single request against the remote service,
// attaching the bearer token when one is available.
func (c *Client) fetchOnce(ctx context.Context, method, path string, params url.Values, body json.RawMessage) ([]byte, error) {
	uri := c.baseURL + path
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	authorized := false
	if c.tokenSource != nil {
		if token := c.tokenSource(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
			authorized = true
		}
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Path: path}
	case transientStatus(res.StatusCode):
		return nil, &TransientError{StatusCode: res.StatusCode}
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("HTTP %d: %s", res.StatusCode, res.Status)
	}
	if authorized {
		// A successful authorized call re-arms the auth-expired hook.
		c.authExpired.Store(false)
	}
	return data, nil
}

// writeBack populates the cache from a successful response. It runs
// detached from the read path with its own error boundary so a cache
// problem never delays or fails the read.
func (c *Client) writeBack(desc Descriptor, req ReadRequest, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("error", r).Str("kind", req.Kind).Msg("Cache write-back failed")
		}
	}()
	if desc.WriteBack != nil {
		desc.WriteBack(c.cache, req, body)
	}
}

// forgetReads drops coalescing state for in-flight reads under the
// given path prefix so the next read dispatches fresh.
func (c *Client) forgetReads(pathPrefix string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	for key := range c.inflight {
		if strings.HasPrefix(key, pathPrefix) {
			c.group.Forget(key)
			delete(c.inflight, key)
		}
	}
}

// refreshListingSearch refetches the unfiltered listing search in the
// background, repopulating the cache after a publish.
func (c *Client) refreshListingSearch() {
	go func() {
		_, err := c.Read(context.Background(), ReadRequest{
			Kind:    KindListingSearch,
			Path:    c.listingSearchPath,
			Refresh: true,
		})
		if err != nil {
			c.log.Debug().Err(err).Msg("Could not refresh listing search")
		}
	}()
}

func (c *Client) trackInflight(key string, add bool) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if add {
		c.inflight[key] = struct{}{}
	} else {
		delete(c.inflight, key)
	}
}

// dedupKey normalizes a read into its coalescing key. Encode sorts
// parameters, so equivalent requests share a key.
func dedupKey(req ReadRequest) string {
	if len(req.Params) == 0 {
		return req.Path
	}
	return req.Path + "?" + req.Params.Encode()
}
