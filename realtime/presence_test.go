package realtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPresenceStateMachine(t *testing.T) {
	presence := NewPresenceAggregatorWithDefaults("list-1", "user-self")

	assert.Equal(t, presence.State(), PresenceStateUnsubscribed)
	assert.Equal(t, presence.State().IsActive(), false)

	// a sync before any subscription is stale and must not apply
	presence.ApplySync([]map[string]any{{"user_id": "user-1"}})
	assert.Equal(t, presence.State(), PresenceStateUnsubscribed)
	assert.Equal(t, len(presence.Participants()), 0)

	presence.SetSubscribing()
	assert.Equal(t, presence.State(), PresenceStateSubscribing)
	assert.Equal(t, presence.State().IsActive(), true)
	assert.Equal(t, len(presence.Participants()), 0)

	// the first sync moves to synced
	presence.ApplySync([]map[string]any{
		{"user_id": "user-self"},
		{"user_id": "user-1", "name": "Ana"},
	})
	assert.Equal(t, presence.State(), PresenceStateSynced)
	assert.Equal(t, len(presence.Participants()), 2)

	// teardown empties the set. Presence never outlives the subscription
	presence.SetUnsubscribed()
	assert.Equal(t, presence.State(), PresenceStateUnsubscribed)
	assert.Equal(t, len(presence.Participants()), 0)
}

func TestPresenceSyncCorrectsDeltas(t *testing.T) {
	presence := NewPresenceAggregatorWithDefaults("list-1", "user-self")
	presence.SetSubscribing()
	presence.ApplySync([]map[string]any{{"user_id": "user-self"}})

	// a join delta applies immediately
	presence.ApplyJoin(map[string]any{"user_id": "user-1", "name": "Ana"})
	assert.Equal(t, len(presence.Others()), 1)

	// a missed leave: the next sync drops user-1 without a leave delta
	presence.ApplySync([]map[string]any{
		{"user_id": "user-self"},
		{"user_id": "user-2", "name": "Ben"},
	})
	others := presence.Others()
	assert.Equal(t, len(others), 1)
	assert.Equal(t, others[0].UserId, "user-2")

	// a leave for an absent participant is a no-op
	presence.ApplyLeave(map[string]any{"user_id": "user-1"})
	assert.Equal(t, len(presence.Others()), 1)

	// a duplicate join for a present participant keeps one entry
	presence.ApplyJoin(map[string]any{"user_id": "user-2", "name": "Ben"})
	assert.Equal(t, len(presence.Others()), 1)
}

func TestPresenceSelfExclusion(t *testing.T) {
	presence := NewPresenceAggregatorWithDefaults("list-1", "user-self")
	presence.SetSubscribing()

	// the self record arrives from the wire as a distinct copy.
	// exclusion is by identity, not reference
	presence.ApplySync([]map[string]any{
		{"user_id": "user-self", "name": "Me"},
		{"user_id": "user-1", "name": "Ana"},
	})

	assert.Equal(t, len(presence.Participants()), 2)
	others := presence.Others()
	assert.Equal(t, len(others), 1)
	assert.Equal(t, others[0].UserId, "user-1")
}

func TestPresenceVisibleOthers(t *testing.T) {
	presence := NewPresenceAggregatorWithDefaults("list-1", "user-self")
	presence.SetSubscribing()

	bags := []map[string]any{}
	for i := 0; i < 6; i += 1 {
		bags = append(bags, map[string]any{
			"user_id":   fmt.Sprintf("user-%d", i),
			"joined_at": time.Unix(int64(1700000000+i), 0).UTC().Format(time.RFC3339Nano),
		})
	}
	presence.ApplySync(bags)

	visible, overflow := presence.VisibleOthers(4)
	assert.Equal(t, len(visible), 4)
	assert.Equal(t, overflow, 2)
	// join order
	assert.Equal(t, visible[0].UserId, "user-0")
	assert.Equal(t, visible[3].UserId, "user-3")

	visible, overflow = presence.VisibleOthers(10)
	assert.Equal(t, len(visible), 6)
	assert.Equal(t, overflow, 0)
}

func TestPresenceJoinOrderStability(t *testing.T) {
	presence := NewPresenceAggregatorWithDefaults("list-1", "user-self")
	presence.SetSubscribing()

	joined := time.Unix(1700000000, 0).UTC()
	presence.ApplySync([]map[string]any{
		{"user_id": "user-1", "joined_at": joined.Format(time.RFC3339Nano)},
	})

	// a later snapshot with a later join time keeps the earliest
	presence.ApplySync([]map[string]any{
		{"user_id": "user-1", "joined_at": joined.Add(30 * time.Second).Format(time.RFC3339Nano)},
	})
	participants := presence.Participants()
	assert.Equal(t, len(participants), 1)
	assert.Equal(t, participants[0].JoinedAt, joined)
}

func TestPresenceCallbacks(t *testing.T) {
	presence := NewPresenceAggregatorWithDefaults("list-1", "user-self")

	states := []PresenceState{}
	counts := []int{}
	unsub := presence.AddPresenceCallback(func(state PresenceState, participants []*Participant) {
		states = append(states, state)
		counts = append(counts, len(participants))
	})

	presence.SetSubscribing()
	// the malformed entry is dropped; the sync still applies
	presence.ApplySync([]map[string]any{
		{"user_id": "user-1"},
		{"name": "no identity"},
	})

	assert.Equal(t, states, []PresenceState{PresenceStateSubscribing, PresenceStateSynced})
	assert.Equal(t, counts, []int{0, 1})

	unsub()
	presence.ApplyJoin(map[string]any{"user_id": "user-2"})
	assert.Equal(t, len(states), 2)
}

func TestParticipantFromBag(t *testing.T) {
	// transport casing folds like change payloads
	participant, err := ParticipantFromBag(map[string]any{
		"user_id":    "user-1",
		"Name":       "Ana",
		"AVATAR_URL": "https://example.com/ana.png",
		"online_at":  float64(1700000000),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, participant.UserId, "user-1")
	assert.Equal(t, participant.Name, "Ana")
	assert.Equal(t, participant.AvatarUrl, "https://example.com/ana.png")
	assert.Equal(t, participant.JoinedAt.Unix(), int64(1700000000))

	// id stands in for a missing user id
	participant, err = ParticipantFromBag(map[string]any{"id": "user-2"})
	assert.Equal(t, err, nil)
	assert.Equal(t, participant.UserId, "user-2")

	_, err = ParticipantFromBag(map[string]any{"name": "nobody"})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsMalformedEvent(err), true)
}
