package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishtarservices/TheWired-sub000/nostr"
)

func TestState_IndexDedupsAndCaps(t *testing.T) {
	s := NewState(3, 0)

	assert.True(t, s.AddToIndex(IndexNotes, "alice", "1"))
	assert.False(t, s.AddToIndex(IndexNotes, "alice", "1"))
	for _, id := range []string{"2", "3", "4"} {
		s.AddToIndex(IndexNotes, "alice", id)
	}
	assert.Equal(t, []string{"2", "3", "4"}, s.Index(IndexNotes, "alice"))

	// a trimmed id may come back
	assert.True(t, s.AddToIndex(IndexNotes, "alice", "1"))
	assert.Equal(t, []string{"3", "4", "1"}, s.Index(IndexNotes, "alice"))

	assert.Nil(t, s.Index(IndexNotes, "bob"))
	assert.Nil(t, s.Index("missing", "alice"))
}

func TestState_EventsBounded(t *testing.T) {
	s := NewState(0, 2)
	for i := 0; i < 3; i++ {
		s.Add(nostr.Event{ID: fmt.Sprint(i)})
	}
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("0")
	assert.False(t, ok)

	s.AddToIndex(IndexNotes, "k", "0")
	s.AddToIndex(IndexNotes, "k", "2")
	events := s.IndexEvents(IndexNotes, "k")
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].ID)
}

func TestState_AddReportsNew(t *testing.T) {
	s := NewState(0, 0)
	assert.True(t, s.Add(nostr.Event{ID: "a"}))
	assert.False(t, s.Add(nostr.Event{ID: "a"}))
}

func TestState_Activity(t *testing.T) {
	s := NewState(0, 0)
	s.TrackActivity("room", 10)
	s.TrackActivity("room", 5)
	assert.Equal(t, int64(10), s.Activity("room"))
	assert.Zero(t, s.Activity("other"))
}

func TestState_RecordsNewestWins(t *testing.T) {
	s := NewState(0, 0)
	old := nostr.Event{ID: "old", PubKey: "pk", Kind: nostr.KindRelayList, CreatedAt: 10}
	newer := nostr.Event{ID: "new", PubKey: "pk", Kind: nostr.KindRelayList, CreatedAt: 20}

	assert.True(t, s.PutRecord(newer, "n"))
	assert.False(t, s.PutRecord(old, "o"))
	assert.False(t, s.PutRecord(newer, "again"))

	rec, ok := s.Record(nostr.KindRelayList, "pk")
	require.True(t, ok)
	assert.Equal(t, "new", rec.EventID)
	assert.Equal(t, "n", rec.Value)
	assert.Equal(t, "10002:pk", rec.Key)
}

func TestState_RecordKeys(t *testing.T) {
	tests := []struct {
		name string
		e    nostr.Event
		want string
	}{
		{"addressable", nostr.Event{ID: "i", PubKey: "pk", Kind: 30023, Tags: nostr.Tags{{"d", "slug"}}}, "30023:pk:slug"},
		{"addressable without d", nostr.Event{ID: "i", PubKey: "pk", Kind: 30023}, "30023:pk:"},
		{"metadata", nostr.Event{ID: "i", PubKey: "pk", Kind: 0}, "0:pk"},
		{"replaceable range", nostr.Event{ID: "i", PubKey: "pk", Kind: 10050}, "10050:pk"},
		{"regular", nostr.Event{ID: "i", PubKey: "pk", Kind: 1}, "i"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recordKey(tt.e))
		})
	}
}

func TestState_RecordsOrder(t *testing.T) {
	s := NewState(0, 0)
	for i, at := range []int64{5, 30, 10} {
		s.PutRecord(nostr.Event{ID: fmt.Sprint(i), Kind: 1, CreatedAt: at}, i)
	}
	recs := s.Records(1)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{30, 10, 5}, []int64{recs[0].CreatedAt, recs[1].CreatedAt, recs[2].CreatedAt})
}
