//go:build property

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_EachIDAcceptedOnce(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	accept := &fakeVerifier{ok: true}

	properties.Property("replays never re-accept", prop.ForAll(
		func(picks []int) bool {
			p, err := New(DefaultConfig(), WithVerifier(accept), WithClock(func() time.Time { return fixedNow }))
			if err != nil {
				return false
			}
			accepted := make(map[string]int)
			for _, n := range picks {
				e := validEvent()
				e.ID = fmt.Sprintf("%064x", n)
				if p.ProcessEvent(context.Background(), e, relayA, "").Accepted() {
					accepted[e.ID]++
				}
			}
			distinct := make(map[int]struct{})
			for _, n := range picks {
				distinct[n] = struct{}{}
			}
			for _, c := range accepted {
				if c != 1 {
					return false
				}
			}
			return len(accepted) == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 50)),
	))

	properties.Property("index never exceeds its cap", prop.ForAll(
		func(ids []int, limit int) bool {
			s := NewState(limit, 0)
			for _, id := range ids {
				s.AddToIndex(IndexNotes, "k", fmt.Sprint(id))
			}
			got := s.Index(IndexNotes, "k")
			seen := make(map[string]struct{})
			for _, id := range got {
				if _, dup := seen[id]; dup {
					return false
				}
				seen[id] = struct{}{}
			}
			return len(got) <= limit
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

