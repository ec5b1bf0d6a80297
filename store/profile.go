package store

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// ProfileRecord is a cached profile. CreatedAt is the logical clock of the
// kind 0 event; CachedAt (unix ms) drives expiry.
type ProfileRecord struct {
	PubKey    string        `json:"pubkey"`
	Profile   nostr.Profile `json:"profile"`
	CreatedAt int64         `json:"created_at"`
	CachedAt  int64         `json:"cached_at"`
}

// PutProfile stores a profile unless the stored one has a newer logical
// timestamp. It reports whether the record was written.
func (s *Store) PutProfile(pubkey string, p nostr.Profile, createdAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false, errors.ErrStoreClosed
	}

	var prev ProfileRecord
	exists, err := s.getJSON(profileKey(pubkey), &prev, "Store", "PutProfile")
	if err != nil {
		return false, err
	}
	if exists && createdAt < prev.CreatedAt {
		return false, nil
	}

	rec := ProfileRecord{
		PubKey:    pubkey,
		Profile:   p,
		CreatedAt: createdAt,
		CachedAt:  s.nowMillis(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, errors.WrapInvalid(err, "Store", "PutProfile", "encode profile")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if exists {
		_ = batch.Delete(profileAtKey(prev.CachedAt, pubkey), nil)
	}
	_ = batch.Set(profileKey(pubkey), data, nil)
	_ = batch.Set(profileAtKey(rec.CachedAt, pubkey), nil, nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, errors.WrapTransient(err, "Store", "PutProfile", "commit batch")
	}
	return true, nil
}

// GetProfile returns the cached profile, or nil when it is missing or
// older than the profile TTL
func (s *Store) GetProfile(pubkey string) (*ProfileRecord, error) {
	var rec ProfileRecord
	exists, err := s.getJSON(profileKey(pubkey), &rec, "Store", "GetProfile")
	if err != nil || !exists {
		return nil, err
	}
	if s.nowMillis()-rec.CachedAt > s.cfg.ProfileTTL.Milliseconds() {
		return nil, nil
	}
	return &rec, nil
}

// DeleteExpiredProfiles removes profiles cached longer than the profile TTL
func (s *Store) DeleteExpiredProfiles() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return 0, errors.ErrStoreClosed
	}

	cutoff := s.nowMillis() - s.cfg.ProfileTTL.Milliseconds()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: profileAtPrefix,
		UpperBound: profileAtKey(cutoff, ""),
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteExpiredProfiles", "open iterator")
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := append([]byte{}, iter.Key()...)
		pubkey := idFromIndexKey(key)
		_ = batch.Delete(key, nil)
		_ = batch.Delete(profileKey(pubkey), nil)
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteExpiredProfiles", "close iterator")
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteExpiredProfiles", "commit batch")
	}
	return n, nil
}

// CountProfiles returns the number of cached profiles
func (s *Store) CountProfiles() (int, error) {
	if s.closed.Load() {
		return 0, errors.ErrStoreClosed
	}
	n, err := s.countPrefix(profilePrefix)
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "CountProfiles", "scan profiles")
	}
	return n, nil
}
