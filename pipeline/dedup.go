package pipeline

import (
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// DedupConfig sizes the deduplicator
type DedupConfig struct {
	BloomCapacity  uint64  `json:"bloom_capacity" yaml:"bloom_capacity"`
	BloomFPR       float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
	RecentCapacity int     `json:"recent_capacity" yaml:"recent_capacity"`
	ResetThreshold int     `json:"reset_threshold" yaml:"reset_threshold"`
}

// DefaultDedupConfig returns the default sizing
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		BloomCapacity:  100_000,
		BloomFPR:       0.001,
		RecentCapacity: 10_000,
		ResetThreshold: 50_000,
	}
}

// Deduplicator answers whether an event id was already processed. The
// bloom filter gives fast negatives; a bloom hit is confirmed against the
// exact recency list so a false positive never drops a new event. Memory is
// bounded by the bloom size plus the recency capacity.
type Deduplicator struct {
	mu     sync.Mutex
	cfg    DedupConfig
	bloom  *bloomfilter.Filter
	recent *lru.Cache
	marks  int
}

// NewDeduplicator creates a deduplicator, filling zero config fields with defaults
func NewDeduplicator(cfg DedupConfig) (*Deduplicator, error) {
	def := DefaultDedupConfig()
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = def.BloomCapacity
	}
	if cfg.BloomFPR <= 0 || cfg.BloomFPR >= 1 {
		cfg.BloomFPR = def.BloomFPR
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = def.RecentCapacity
	}
	if cfg.ResetThreshold <= 0 {
		cfg.ResetThreshold = def.ResetThreshold
	}

	bloom, err := bloomfilter.NewOptimal(cfg.BloomCapacity, cfg.BloomFPR)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Deduplicator", "New", "size bloom filter")
	}
	recent, err := lru.New(cfg.RecentCapacity)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Deduplicator", "New", "create recency list")
	}
	return &Deduplicator{cfg: cfg, bloom: bloom, recent: recent}, nil
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// IsDuplicate reports whether id was marked seen
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isDuplicate(id)
}

func (d *Deduplicator) isDuplicate(id string) bool {
	if !d.bloom.ContainsHash(hashID(id)) {
		return false
	}
	return d.recent.Contains(id)
}

// MarkSeen records id
func (d *Deduplicator) MarkSeen(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markSeen(id)
}

func (d *Deduplicator) markSeen(id string) {
	d.bloom.AddHash(hashID(id))
	d.recent.Add(id, struct{}{})
	d.marks++
	if d.marks >= d.cfg.ResetThreshold {
		d.reset()
	}
}

// CheckAndMark reports whether id is a duplicate and marks it seen if not,
// as one step so two sources delivering the same id concurrently cannot
// both pass.
func (d *Deduplicator) CheckAndMark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isDuplicate(id) {
		return true
	}
	d.markSeen(id)
	return false
}

// Len returns the number of ids in the recency list
func (d *Deduplicator) Len() int {
	return d.recent.Len()
}

// reset replaces a saturated bloom filter. The recency list survives and is
// replayed into the new filter so recent ids stay detectable.
func (d *Deduplicator) reset() {
	bloom, err := bloomfilter.NewOptimal(d.cfg.BloomCapacity, d.cfg.BloomFPR)
	if err != nil {
		// sizing was validated at construction; keep the old filter
		d.marks = 0
		return
	}
	for _, key := range d.recent.Keys() {
		if id, ok := key.(string); ok {
			bloom.AddHash(hashID(id))
		}
	}
	d.bloom = bloom
	d.marks = 0
}

// Forget drops id from the recency list so a later delivery passes again.
// The bloom bit stays set; the recency check confirms it.
func (d *Deduplicator) Forget(id string) {
	d.mu.Lock()
	d.recent.Remove(id)
	d.mu.Unlock()
}
