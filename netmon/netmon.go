// Package netmon observes connectivity and link-quality signals and
// classifies them into a small ordinal quality scale. The monitor never
// fails: hosts without link telemetry degrade to a conservative default
// classification instead of erroring.
package netmon

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Quality is an ordinal classification of the current connection.
type Quality int

const (
	Poor Quality = iota
	Moderate
	Good
	Excellent
)

func (q Quality) String() string {
	switch q {
	case Poor:
		return "poor"
	case Moderate:
		return "moderate"
	case Excellent:
		return "excellent"
	default:
		return "good"
	}
}

// Fidelity is the recommended media fidelity for the current connection.
type Fidelity string

const (
	FidelityLow    Fidelity = "low"
	FidelityMedium Fidelity = "medium"
	FidelityHigh   Fidelity = "high"
)

// Link carries the raw signals reported by a Source.
// A zero EffectiveType means the source has no link telemetry.
type Link struct {
	Online        bool
	EffectiveType string // "slow-2g", "2g", "3g", "4g", "wifi" or ""
	DownlinkMbps  float64
	RTT           time.Duration
	DataSaver     bool
}

// Snapshot is the derived view of the current connection.
// It is recomputed on every link change and never persisted.
type Snapshot struct {
	Online         bool
	ConnectionType string
	Quality        Quality
	DownlinkMbps   float64
	RTT            time.Duration
	DataSaver      bool
}

// Source is the capability interface for platform connectivity signals.
// Implementations must invoke registered listeners on every link change.
type Source interface {
	Link() Link
	Listen(func(Link)) (cancel func())
}

// StaticSource reports a fixed link and never fires listeners.
// It is the default for hosts without connectivity telemetry.
type StaticSource struct {
	Fixed Link
}

// AlwaysOnline returns a StaticSource reporting an online link with no
// further telemetry, which classifies as Good.
func AlwaysOnline() *StaticSource {
	return &StaticSource{Fixed: Link{Online: true}}
}

func (s *StaticSource) Link() Link                        { return s.Fixed }
func (s *StaticSource) Listen(func(Link)) (cancel func()) { return func() {} }

// SimSource is a mutable source that fires its listeners synchronously on
// every update. It backs tests and hosts that probe connectivity themselves.
type SimSource struct {
	mu        sync.Mutex
	link      Link
	listeners map[int]func(Link)
	nextID    int
}

func NewSimSource(initial Link) *SimSource {
	return &SimSource{link: initial, listeners: make(map[int]func(Link))}
}

func (s *SimSource) Link() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Set updates the link and notifies listeners on the calling goroutine.
func (s *SimSource) Set(link Link) {
	s.mu.Lock()
	s.link = link
	fns := make([]func(Link), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(link)
	}
}

// SetOnline flips only the online bit, keeping other link signals.
func (s *SimSource) SetOnline(online bool) {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	link.Online = online
	s.Set(link)
}

func (s *SimSource) Listen(fn func(Link)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Monitor classifies link signals and fans them out to subscribers.
type Monitor struct {
	source Source
	log    zerolog.Logger

	mu          sync.Mutex
	current     Snapshot
	subscribers map[int]func(Snapshot)
	nextID      int
}

// NewMonitor creates a monitor over the given source and registers its
// source listener once. A nil source defaults to AlwaysOnline.
func NewMonitor(source Source, logger zerolog.Logger) *Monitor {
	if source == nil {
		source = AlwaysOnline()
	}
	m := &Monitor{
		source:      source,
		log:         logger,
		subscribers: make(map[int]func(Snapshot)),
	}
	m.current = classify(source.Link())
	source.Listen(m.onLinkChange)
	return m
}

func (m *Monitor) onLinkChange(link Link) {
	snap := classify(link)
	m.mu.Lock()
	m.current = snap
	fns := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	m.log.Debug().
		Bool("online", snap.Online).
		Str("quality", snap.Quality.String()).
		Str("type", snap.ConnectionType).
		Msg("Connectivity changed")
	for _, fn := range fns {
		fn(snap)
	}
}

// Snapshot returns the current derived connectivity view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Online reports whether the link is currently up.
func (m *Monitor) Online() bool {
	return m.Snapshot().Online
}

// Subscribe registers fn for every connectivity change and returns the
// matching unsubscribe function. Delivery is synchronous.
func (m *Monitor) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// RecommendedPageSize suggests a page size for list requests,
// monotonic in connection quality.
func (m *Monitor) RecommendedPageSize() int {
	switch m.Snapshot().Quality {
	case Poor:
		return 5
	case Moderate:
		return 10
	case Good:
		return 20
	default:
		return 30
	}
}

// RecommendedFidelity suggests a media fidelity for the current link.
func (m *Monitor) RecommendedFidelity() Fidelity {
	snap := m.Snapshot()
	if snap.DataSaver || snap.Quality == Poor {
		return FidelityLow
	}
	if snap.Quality == Moderate {
		return FidelityMedium
	}
	return FidelityHigh
}

// SlowConnection reports whether the link is too slow for eager loading.
func (m *Monitor) SlowConnection() bool {
	snap := m.Snapshot()
	return snap.Quality == Poor || snap.ConnectionType == "slow-2g" || snap.ConnectionType == "2g"
}

// ShouldPreloadImages reports whether prefetching media is worthwhile.
func (m *Monitor) ShouldPreloadImages() bool {
	snap := m.Snapshot()
	return snap.Quality >= Good || snap.ConnectionType == "wifi"
}

// BackgroundSyncOK reports whether background replay work should run eagerly.
func (m *Monitor) BackgroundSyncOK() bool {
	snap := m.Snapshot()
	return snap.Online && snap.Quality >= Good
}

func classify(link Link) Snapshot {
	snap := Snapshot{
		Online:         link.Online,
		ConnectionType: connectionType(link),
		DownlinkMbps:   link.DownlinkMbps,
		RTT:            link.RTT,
		DataSaver:      link.DataSaver,
	}
	snap.Quality = quality(link)
	return snap
}

func connectionType(link Link) string {
	switch link.EffectiveType {
	case "slow-2g", "2g", "3g", "4g", "wifi":
		return link.EffectiveType
	default:
		return "unknown"
	}
}

func quality(link Link) Quality {
	// No telemetry: assume a usable link rather than punishing the caller.
	if link.EffectiveType == "" && link.RTT == 0 && link.DownlinkMbps == 0 {
		return Good
	}
	rtt := link.RTT
	downlink := link.DownlinkMbps
	if downlink == 0 {
		downlink = 10
	}
	if link.EffectiveType == "slow-2g" || link.EffectiveType == "2g" || rtt > 500*time.Millisecond {
		return Poor
	}
	if link.EffectiveType == "3g" || rtt > 200*time.Millisecond || downlink < 1.5 {
		return Moderate
	}
	if link.EffectiveType == "4g" && rtt < 100*time.Millisecond && downlink > 5 {
		return Excellent
	}
	return Good
}
