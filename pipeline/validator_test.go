package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func validEvent() nostr.Event {
	return nostr.Event{
		ID:        strings.Repeat("a", 64),
		PubKey:    strings.Repeat("b", 64),
		CreatedAt: fixedNow.Unix(),
		Kind:      1,
		Tags:      nostr.Tags{{"e", "x"}},
		Content:   "hello",
		Sig:       strings.Repeat("c", 128),
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator(func() time.Time { return fixedNow }, 0)

	tests := []struct {
		name   string
		mutate func(e *nostr.Event)
		want   bool
	}{
		{"valid", func(e *nostr.Event) {}, true},
		{"uppercase hex", func(e *nostr.Event) { e.ID = strings.Repeat("A", 64) }, true},
		{"63 char id", func(e *nostr.Event) { e.ID = strings.Repeat("a", 63) }, false},
		{"65 char id", func(e *nostr.Event) { e.ID = strings.Repeat("a", 65) }, false},
		{"non hex id", func(e *nostr.Event) { e.ID = strings.Repeat("g", 64) }, false},
		{"short pubkey", func(e *nostr.Event) { e.PubKey = "abc" }, false},
		{"127 char sig", func(e *nostr.Event) { e.Sig = strings.Repeat("c", 127) }, false},
		{"negative kind", func(e *nostr.Event) { e.Kind = -1 }, false},
		{"negative created_at", func(e *nostr.Event) { e.CreatedAt = -1 }, false},
		{"now plus 899", func(e *nostr.Event) { e.CreatedAt = fixedNow.Unix() + 899 }, true},
		{"now plus 900", func(e *nostr.Event) { e.CreatedAt = fixedNow.Unix() + 900 }, true},
		{"now plus 901", func(e *nostr.Event) { e.CreatedAt = fixedNow.Unix() + 901 }, false},
		{"old event", func(e *nostr.Event) { e.CreatedAt = 1 }, true},
		{"nil tag", func(e *nostr.Event) { e.Tags = nostr.Tags{nil} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(&e)
			assert.Equal(t, tt.want, v.Validate(e))
		})
	}
}

func TestValidator_ValidateRaw(t *testing.T) {
	v := NewValidator(func() time.Time { return fixedNow }, 0)

	raw, err := validEvent().MarshalJSON()
	assert.NoError(t, err)
	e, ok := v.ValidateRaw(raw)
	assert.True(t, ok)
	assert.Equal(t, "hello", e.Content)

	_, ok = v.ValidateRaw([]byte(`{"id":"x"}`))
	assert.False(t, ok)
	_, ok = v.ValidateRaw([]byte(`garbage`))
	assert.False(t, ok)
}
