package pipeline

import (
	"time"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// DefaultFutureTolerance is how far ahead of the local clock created_at may be
const DefaultFutureTolerance = 15 * time.Minute

// Validator performs the cheap structural checks that run before signature
// verification. It never returns errors: malformed input is simply rejected.
type Validator struct {
	now       func() time.Time
	tolerance int64
}

// NewValidator creates a validator. A nil clock uses time.Now and a zero
// tolerance uses DefaultFutureTolerance.
func NewValidator(now func() time.Time, tolerance time.Duration) *Validator {
	if now == nil {
		now = time.Now
	}
	if tolerance <= 0 {
		tolerance = DefaultFutureTolerance
	}
	return &Validator{now: now, tolerance: int64(tolerance / time.Second)}
}

// Validate checks an already decoded event
func (v *Validator) Validate(e nostr.Event) bool {
	if !nostr.IsHex(e.ID, nostr.IDLength) || !nostr.IsHex(e.PubKey, nostr.PubKeyLength) || !nostr.IsHex(e.Sig, nostr.SigLength) {
		return false
	}
	if e.CreatedAt < 0 || e.Kind < 0 {
		return false
	}
	for _, tag := range e.Tags {
		if tag == nil {
			return false
		}
	}
	return e.CreatedAt <= v.now().Unix()+v.tolerance
}

// ValidateRaw decodes and checks a relay supplied event
func (v *Validator) ValidateRaw(raw []byte) (nostr.Event, bool) {
	e, err := nostr.DecodeEvent(raw)
	if err != nil {
		return nostr.Event{}, false
	}
	if !v.Validate(e) {
		return nostr.Event{}, false
	}
	return e, true
}
