package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const lastClearKey = "cache_last_global_clear"

// Scheduler wipes the whole cache on a wall-clock cadence. The last wipe
// instant is persisted so the cadence survives restarts. A coarse
// periodic full wipe bounds cache growth and staleness without
// per-record coordination.
type Scheduler struct {
	store    *Store
	cadence  time.Duration
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler with the default 1h cadence checked
// every 60s.
func NewScheduler(store *Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		cadence:  time.Hour,
		interval: time.Minute,
		log:      logger,
		now:      store.now,
	}
}

// WithCadence overrides the wipe cadence and check interval.
func (s *Scheduler) WithCadence(cadence, interval time.Duration) *Scheduler {
	s.cadence = cadence
	s.interval = interval
	return s
}

// Run checks immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("cadence", s.cadence).Msg("Starting cache policy scheduler")
	s.checkAndClear()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndClear()
		}
	}
}

// ForceClear wipes the cache and resets the cadence timer synchronously.
func (s *Scheduler) ForceClear() {
	s.store.EvictAll()
	s.recordClear()
	s.log.Info().Msg("Cache force-cleared")
}

func (s *Scheduler) checkAndClear() {
	now := s.now()
	val, ok, err := s.store.Provider().GetMeta(lastClearKey)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read last clear instant")
		return
	}
	if !ok {
		// First run is not a wipe; just start the clock.
		s.log.Debug().Msg("No last clear instant found, recording initial timestamp")
		s.recordClear()
		return
	}
	lastMillis, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.log.Error().Err(err).Str("value", val).Msg("Corrupt last clear instant, resetting")
		s.recordClear()
		return
	}
	elapsed := now.Sub(time.UnixMilli(lastMillis))
	if elapsed < s.cadence {
		s.log.Trace().Dur("remaining", s.cadence-elapsed).Msg("Cache still fresh")
		return
	}
	s.log.Info().Dur("elapsed", elapsed).Msg("Cadence elapsed, clearing cache")
	s.store.EvictAll()
	s.recordClear()
}

func (s *Scheduler) recordClear() {
	millis := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.store.Provider().PutMeta(lastClearKey, millis); err != nil {
		s.log.Error().Err(err).Msg("Could not record clear instant")
	}
}
