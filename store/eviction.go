package store

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// EvictionResult counts what one eviction run removed
type EvictionResult struct {
	Expired  int
	Profiles int
	Capacity int
	Duration time.Duration
}

// Total returns every record removed
func (r EvictionResult) Total() int {
	return r.Expired + r.Profiles + r.Capacity
}

// DeleteExpired removes events whose write time is older than their TTL
// class: addressable events live longer than ordinary ones
func (s *Store) DeleteExpired() (int, error) {
	now := s.nowMillis()
	total := 0
	for _, class := range []struct {
		name string
		ttl  time.Duration
	}{
		{classOrdinary, s.cfg.EventTTL},
		{classAddressable, s.cfg.AddressableTTL},
	} {
		cutoff := now - class.ttl.Milliseconds()
		prefix := indexValuePrefix(IndexByCachedAt, class.name)
		// keys strictly older than cutoff sort below <prefix><cutoff>/
		upper := append(append([]byte{}, prefix...), sortKey(cutoff)+"/"...)

		ids, err := s.collectIDs(prefix, upper, 0)
		if err != nil {
			return total, errors.WrapTransient(err, "Store", "DeleteExpired", "scan "+class.name)
		}
		if s.afterScan != nil {
			s.afterScan()
		}
		n, err := s.deleteIDs(ids, func(rec Record) bool { return rec.CachedAt < cutoff })
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type cachedID struct {
	cachedAt string
	id       string
}

// within reports whether rec was written no later than the scanned key
func (c cachedID) within(rec Record) bool {
	return sortKey(rec.CachedAt) <= c.cachedAt
}

// evictCapacity deletes the oldest records until the count is within
// MaxRecords
func (s *Store) evictCapacity() (int, error) {
	excess := s.Count() - s.cfg.MaxRecords
	if excess <= 0 {
		return 0, nil
	}

	// oldest candidates from both TTL classes, merged by write time
	var candidates []cachedID
	for _, class := range []string{classOrdinary, classAddressable} {
		prefix := indexValuePrefix(IndexByCachedAt, class)
		keys, err := s.collectKeys(prefix, excess)
		if err != nil {
			return 0, errors.WrapTransient(err, "Store", "evictCapacity", "scan "+class)
		}
		for _, k := range keys {
			rest := k[len(prefix):]
			candidates = append(candidates, cachedID{cachedAt: string(rest[:20]), id: idFromIndexKey(k)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].cachedAt != candidates[j].cachedAt {
			return candidates[i].cachedAt < candidates[j].cachedAt
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > excess {
		candidates = candidates[:excess]
	}

	if s.afterScan != nil {
		s.afterScan()
	}

	ids := make([]string, len(candidates))
	scanned := make(map[string]cachedID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
		scanned[c.id] = c
	}
	return s.deleteIDs(ids, func(rec Record) bool {
		c, ok := scanned[rec.Event.ID]
		return ok && c.within(rec)
	})
}

func (s *Store) collectKeys(prefix []byte, max int) ([][]byte, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}
	iter, err := s.db.NewIter(newPrefixIterOptions(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys [][]byte
	for ok := iter.First(); ok && len(keys) < max; ok = iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
	}
	return keys, nil
}

// RunEviction sweeps expired events and profiles, then enforces the
// record ceiling. Runs are serialized; each deletion is atomic per record
// so it is safe alongside normal reads and writes.
func (s *Store) RunEviction() (EvictionResult, error) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	start := time.Now()
	var res EvictionResult
	var err error

	if res.Expired, err = s.DeleteExpired(); err != nil {
		return res, err
	}
	s.metrics.RecordEviction("ttl", res.Expired)

	if res.Profiles, err = s.DeleteExpiredProfiles(); err != nil {
		return res, err
	}
	s.metrics.RecordEviction("profile", res.Profiles)

	if res.Capacity, err = s.evictCapacity(); err != nil {
		return res, err
	}
	s.metrics.RecordEviction("capacity", res.Capacity)

	res.Duration = time.Since(start)
	s.metrics.RecordEvictionDuration(res.Duration)
	return res, nil
}

// Evictor runs store eviction once at start and then on a cron schedule
type Evictor struct {
	store    *Store
	schedule string
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvictor validates the cron schedule. An empty schedule uses the
// store's configured one.
func NewEvictor(store *Store, schedule string, logger *slog.Logger) (*Evictor, error) {
	if schedule == "" {
		schedule = store.cfg.EvictionSchedule
	}
	if !gronx.IsValid(schedule) {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Evictor", "New", "parse schedule "+schedule)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{
		store:    store,
		schedule: schedule,
		logger:   logger.With("component", "evictor"),
		now:      time.Now,
	}, nil
}

// Run blocks until ctx is done
func (e *Evictor) Run(ctx context.Context) error {
	e.runOnce()

	for {
		next, err := gronx.NextTickAfter(e.schedule, e.now(), false)
		wait := time.Until(next)
		if err != nil {
			e.logger.Warn("Eviction schedule failed", "schedule", e.schedule, "error", err)
			wait = 30 * time.Second
		}
		if wait <= 0 {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			e.runOnce()
		}
	}
}

func (e *Evictor) runOnce() {
	res, err := e.store.RunEviction()
	if err != nil {
		e.logger.Warn("Eviction failed", "error", err)
		return
	}
	if res.Total() == 0 {
		e.logger.Debug("Eviction found nothing to remove", "duration", res.Duration)
		return
	}
	e.logger.Info("Eviction completed",
		"expired", humanize.Comma(int64(res.Expired)),
		"profiles", humanize.Comma(int64(res.Profiles)),
		"capacity", humanize.Comma(int64(res.Capacity)),
		"remaining", humanize.Comma(int64(e.store.Count())),
		"duration", res.Duration)
}
