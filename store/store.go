package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/metric"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Config holds retention settings
type Config struct {
	EventTTL         time.Duration `json:"event_ttl" yaml:"event_ttl"`
	AddressableTTL   time.Duration `json:"addressable_ttl" yaml:"addressable_ttl"`
	ProfileTTL       time.Duration `json:"profile_ttl" yaml:"profile_ttl"`
	MaxRecords       int           `json:"max_records" yaml:"max_records"`
	EvictionSchedule string        `json:"eviction_schedule" yaml:"eviction_schedule"`
}

// DefaultConfig returns the retention defaults
func DefaultConfig() Config {
	return Config{
		EventTTL:         7 * 24 * time.Hour,
		AddressableTTL:   30 * 24 * time.Hour,
		ProfileTTL:       24 * time.Hour,
		MaxRecords:       50_000,
		EvictionSchedule: "*/30 * * * *",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EventTTL <= 0 {
		c.EventTTL = def.EventTTL
	}
	if c.AddressableTTL <= 0 {
		c.AddressableTTL = def.AddressableTTL
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = def.ProfileTTL
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = def.MaxRecords
	}
	if c.EvictionSchedule == "" {
		c.EvictionSchedule = def.EvictionSchedule
	}
	return c
}

// Record is a stored event plus its write time in unix milliseconds.
// CachedAt only drives eviction; conflict resolution uses Event.CreatedAt.
type Record struct {
	Event    nostr.Event `json:"event"`
	CachedAt int64       `json:"cached_at"`
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics records store size and eviction counts
func WithMetrics(m *metric.ClientMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// InMemory backs the store by an in-memory filesystem
func InMemory() Option {
	return func(s *Store) { s.memory = true }
}

// Store is the durable event, profile and state cache. Writes are
// serialized; a record and its index keys always land in one batch so
// concurrent readers see either all of it or none of it.
type Store struct {
	db      *pebble.DB
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.ClientMetrics
	memory  bool

	mu      sync.Mutex // serializes writes and guards count
	count   int
	evictMu sync.Mutex
	closed  atomic.Bool

	afterScan func() // test hook between an eviction scan and its delete
}

// Open opens or creates the store under dir
func Open(dir string, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	pebbleOpts := &pebble.Options{}
	if s.memory {
		pebbleOpts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", fmt.Sprintf("open pebble at %s", dir))
	}
	s.db = db

	n, err := s.countPrefix(eventPrefix)
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "count records")
	}
	s.count = n
	s.metrics.RecordStoreRecords(n)

	s.logger.Info("Store opened", "dir", dir, "records", n, "in_memory", s.memory)
	return s, nil
}

// Close flushes and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "Store", "Close", "close pebble")
	}
	return nil
}

// Config returns the effective retention settings
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// Put stores one event
func (s *Store) Put(e nostr.Event) error {
	return s.PutEvents([]nostr.Event{e})
}

// PutEvents stores events in one batch. Re-putting an id refreshes its
// write time and replaces its index keys.
func (s *Store) PutEvents(events []nostr.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	cachedAt := s.nowMillis()
	written := make(map[string]Record, len(events))
	added := 0

	for _, e := range events {
		if len(e.ID) != nostr.IDLength {
			return errors.WrapInvalid(errors.ErrInvalidEvent, "Store", "PutEvents",
				fmt.Sprintf("store event with id %q", e.ID))
		}

		prev, exists := written[e.ID]
		if !exists {
			old, err := s.getRecord(e.ID)
			switch {
			case err == nil:
				prev, exists = old, true
			case !errors.Is(err, errors.ErrNotFound):
				return err
			}
		}
		if exists {
			for _, k := range indexKeys(prev) {
				if err := batch.Delete(k, nil); err != nil {
					return errors.WrapTransient(err, "Store", "PutEvents", "drop stale index")
				}
			}
		} else {
			added++
		}

		rec := Record{Event: e, CachedAt: cachedAt}
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.WrapInvalid(err, "Store", "PutEvents", "encode record")
		}
		if err := batch.Set(eventKey(e.ID), data, nil); err != nil {
			return errors.WrapTransient(err, "Store", "PutEvents", "write record")
		}
		for _, k := range indexKeys(rec) {
			if err := batch.Set(k, nil, nil); err != nil {
				return errors.WrapTransient(err, "Store", "PutEvents", "write index")
			}
		}
		written[e.ID] = rec
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.WrapTransient(err, "Store", "PutEvents", "commit batch")
	}
	s.count += added
	s.metrics.RecordStoreRecords(s.count)
	return nil
}

// Get returns a stored event. A missing id yields ErrNotFound.
func (s *Store) Get(id string) (nostr.Event, error) {
	rec, err := s.getRecord(id)
	if err != nil {
		return nostr.Event{}, err
	}
	return rec.Event, nil
}

// GetRecord returns the stored record including its write time
func (s *Store) GetRecord(id string) (Record, error) {
	return s.getRecord(id)
}

func (s *Store) getRecord(id string) (Record, error) {
	if s.closed.Load() {
		return Record{}, errors.ErrStoreClosed
	}
	data, closer, err := s.db.Get(eventKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, errors.ErrNotFound
		}
		return Record{}, errors.WrapTransient(err, "Store", "Get", "read record")
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"Store", "Get", fmt.Sprintf("decode record %s", id))
	}
	return rec, nil
}

// GetByIndex returns up to limit events newest first. limit <= 0 means all.
func (s *Store) GetByIndex(index, value string, limit int) ([]nostr.Event, error) {
	return s.scanIndex(index, value, limit, nil)
}

// GetByGroup returns events tagged with group, newest first. kind < 0
// matches every kind.
func (s *Store) GetByGroup(group string, kind, limit int) ([]nostr.Event, error) {
	if kind < 0 {
		return s.scanIndex(IndexByGroup, group, limit, nil)
	}
	return s.scanIndex(IndexByGroup, group, limit, func(e nostr.Event) bool {
		return e.Kind == kind
	})
}

func (s *Store) scanIndex(index, value string, limit int, keep func(nostr.Event) bool) ([]nostr.Event, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}
	prefix := indexValuePrefix(index, value)
	iter, err := s.db.NewIter(newPrefixIterOptions(prefix))
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetByIndex", "open iterator")
	}
	defer iter.Close()

	var out []nostr.Event
	for ok := iter.Last(); ok; ok = iter.Prev() {
		id := idFromIndexKey(iter.Key())
		rec, err := s.getRecord(id)
		if err != nil {
			// deleted between the index read and the record read
			continue
		}
		if keep != nil && !keep(rec.Event) {
			continue
		}
		out = append(out, rec.Event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored events
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newPrefixIterOptions(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)}
}

func (s *Store) countPrefix(prefix []byte) (int, error) {
	iter, err := s.db.NewIter(newPrefixIterOptions(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, nil
}

// deleteIDs removes records and their index keys. Each chunk is one batch.
// Records are re-read under the write lock and only deleted when stale
// still holds, so a record rewritten since the scan survives.
func (s *Store) deleteIDs(ids []string, stale func(Record) bool) (int, error) {
	const chunk = 500

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, errors.ErrStoreClosed
	}

	deleted := 0
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}

		batch := s.db.NewBatch()
		n := 0
		for _, id := range ids[start:end] {
			rec, err := s.getRecord(id)
			if err != nil || !stale(rec) {
				continue
			}
			_ = batch.Delete(eventKey(id), nil)
			for _, k := range indexKeys(rec) {
				_ = batch.Delete(k, nil)
			}
			n++
		}
		err := batch.Commit(pebble.Sync)
		batch.Close()
		if err != nil {
			return deleted, errors.WrapTransient(err, "Store", "delete", "commit batch")
		}
		deleted += n
		s.count -= n
	}
	s.metrics.RecordStoreRecords(s.count)
	return deleted, nil
}

// collectIDs walks [lower, upper) of an index and returns up to max ids
// in ascending key order. max <= 0 means all.
func (s *Store) collectIDs(lower, upper []byte, max int) ([]string, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for ok := iter.First(); ok; ok = iter.Next() {
		ids = append(ids, idFromIndexKey(iter.Key()))
		if max > 0 && len(ids) >= max {
			break
		}
	}
	return ids, nil
}

func (s *Store) putJSON(key []byte, v any, component, op string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, component, op, "encode value")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return errors.WrapTransient(err, component, op, "write value")
	}
	return nil
}

// getJSON decodes key into out, reporting false when the key is absent
func (s *Store) getJSON(key []byte, out any, component, op string) (bool, error) {
	if s.closed.Load() {
		return false, errors.ErrStoreClosed
	}
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, errors.WrapTransient(err, component, op, "read value")
	}
	defer closer.Close()
	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err), component, op, "decode value")
	}
	return true, nil
}

func (s *Store) deleteKey(key []byte, component, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return errors.WrapTransient(err, component, op, "delete value")
	}
	return nil
}
