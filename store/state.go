package store

import (
	"github.com/cockroachdb/pebble"

	"github.com/ishtarservices/TheWired-sub000/errors"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// SubscriptionState is the resumption hint of one subscription: when each
// relay last reported end of stored events, and the filters it ran with
type SubscriptionState struct {
	SubID    string           `json:"sub_id"`
	LastEOSE map[string]int64 `json:"last_eose"`
	Filters  []nostr.Filter   `json:"filters"`
}

// SaveSubscriptionState stores the state under its SubID
func (s *Store) SaveSubscriptionState(state SubscriptionState) error {
	if state.SubID == "" {
		return errors.WrapInvalid(errors.New("empty subscription id"), "Store", "SaveSubscriptionState", "validate state")
	}
	return s.putJSON(subStateKey(state.SubID), state, "Store", "SaveSubscriptionState")
}

// GetSubscriptionState returns the saved state, or nil when none exists
func (s *Store) GetSubscriptionState(subID string) (*SubscriptionState, error) {
	var state SubscriptionState
	ok, err := s.getJSON(subStateKey(subID), &state, "Store", "GetSubscriptionState")
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// ClearSubscriptionState removes the saved state
func (s *Store) ClearSubscriptionState(subID string) error {
	return s.deleteKey(subStateKey(subID), "Store", "ClearSubscriptionState")
}

// SaveUserState stores any JSON-encodable value under key
func (s *Store) SaveUserState(key string, v any) error {
	if key == "" {
		return errors.WrapInvalid(errors.New("empty key"), "Store", "SaveUserState", "validate key")
	}
	return s.putJSON(userStateKey(key), v, "Store", "SaveUserState")
}

// GetUserState decodes the value under key into out and reports whether
// the key existed
func (s *Store) GetUserState(key string, out any) (bool, error) {
	return s.getJSON(userStateKey(key), out, "Store", "GetUserState")
}

// DeleteUserState removes one key
func (s *Store) DeleteUserState(key string) error {
	return s.deleteKey(userStateKey(key), "Store", "DeleteUserState")
}

// ClearAllUserState removes every user state key
func (s *Store) ClearAllUserState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}
	if err := s.db.DeleteRange(userStatePrefix, prefixUpperBound(userStatePrefix), pebble.Sync); err != nil {
		return errors.WrapTransient(err, "Store", "ClearAllUserState", "delete range")
	}
	return nil
}
