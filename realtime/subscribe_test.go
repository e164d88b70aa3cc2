package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSubscriptionConverges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHubWithDefaults(ctx)
	defer hub.Close()

	manager := NewSubscriptionManagerWithDefaults(ctx, hub)
	defer manager.Close()

	sub := manager.Mount("list-1", &Participant{UserId: "user-self", Name: "Me"})

	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub.State()
		return state == SubscriptionStateActive
	}), true)

	// mixed-casing notifications converge through the one reducer path
	hub.PublishInsert("list-1", map[string]any{"id": "item-1", "name": "Milk"})
	hub.PublishUpdate("list-1", map[string]any{"id": "item-1", "is_checked": true}, nil)
	hub.PublishInsert("list-1", map[string]any{"ID": "item-2", "Name": "Bread"})
	hub.PublishDelete("list-1", map[string]any{"id": "item-2"})

	assert.Equal(t, waitFor(5*time.Second, func() bool {
		item, ok := sub.Cache().Get("item-1")
		return ok && item.IsChecked && sub.Cache().Len() == 1
	}), true)

	item, _ := sub.Cache().Get("item-1")
	assert.Equal(t, item.Name, "Milk")
	assert.Equal(t, item.Category.IsUncategorized(), true)
}

func TestSubscriptionPresenceTwoParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHubWithDefaults(ctx)
	defer hub.Close()

	managerA := NewSubscriptionManagerWithDefaults(ctx, hub)
	defer managerA.Close()
	managerB := NewSubscriptionManagerWithDefaults(ctx, hub)
	defer managerB.Close()

	subA := managerA.Mount("list-1", &Participant{UserId: "user-a", Name: "Ana"})
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return subA.Presence().State() == PresenceStateSynced
	}), true)
	assert.Equal(t, len(subA.Presence().Others()), 0)

	subB := managerB.Mount("list-1", &Participant{UserId: "user-b", Name: "Ben"})
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return subB.Presence().State() == PresenceStateSynced
	}), true)

	// a sees b's join delta; b's first sync already includes a
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		others := subA.Presence().Others()
		return len(others) == 1 && others[0].UserId == "user-b"
	}), true)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		others := subB.Presence().Others()
		return len(others) == 1 && others[0].UserId == "user-a"
	}), true)

	// b leaves. a converges back to alone
	managerB.Unmount()
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return len(subA.Presence().Others()) == 0
	}), true)
}

func TestSubscriptionUnmountReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHubWithDefaults(ctx)
	defer hub.Close()

	manager := NewSubscriptionManagerWithDefaults(ctx, hub)
	defer manager.Close()

	sub := manager.Mount("list-1", &Participant{UserId: "user-self"})
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub.State()
		return state == SubscriptionStateActive
	}), true)

	manager.Unmount()
	assert.Equal(t, manager.Current(), nil)

	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub.State()
		return state == SubscriptionStateClosed
	}), true)
	assert.Equal(t, sub.Presence().State(), PresenceStateUnsubscribed)

	// both channels were released
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		feedCount, presenceCount := hub.TopicSize("list-1")
		return feedCount == 0 && presenceCount == 0
	}), true)
}

func TestSubscriptionRemountIsFresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHubWithDefaults(ctx)
	defer hub.Close()

	manager := NewSubscriptionManagerWithDefaults(ctx, hub)
	defer manager.Close()

	participant := &Participant{UserId: "user-self"}

	sub1 := manager.Mount("list-1", participant)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub1.State()
		return state == SubscriptionStateActive
	}), true)

	// a repeat mount of the live scope returns the same subscription
	assert.Equal(t, manager.Mount("list-1", participant) == sub1, true)

	hub.PublishInsert("list-1", map[string]any{"id": "item-1", "name": "Milk"})
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return sub1.Cache().Len() == 1
	}), true)

	// remount after unmount is a fresh subscription with a fresh cache
	manager.Unmount()
	sub2 := manager.Mount("list-1", participant)
	assert.Equal(t, sub2 == sub1, false)
	assert.Equal(t, sub2.Cache().Len(), 0)

	// switching lists tears the old scope down
	sub3 := manager.Mount("list-2", participant)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return sub2.IsDone()
	}), true)
	assert.Equal(t, sub3.Scope(), NewListScope("list-2", "user-self"))
}

func TestSubscriptionAcquisitionFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &failingProvider{
		err: errors.New("no route to platform"),
	}
	manager := NewSubscriptionManagerWithDefaults(ctx, provider)
	defer manager.Close()

	sub := manager.Mount("list-1", &Participant{UserId: "user-self"})

	// the failure surfaces once, with the failed operation named
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub.State()
		return state == SubscriptionStateFailed
	}), true)

	_, stateErr := sub.State()
	assert.NotEqual(t, stateErr, nil)
	var subErr *SubscriptionError
	assert.Equal(t, errors.As(stateErr, &subErr), true)
	assert.Equal(t, subErr.Op, "change_feed")
	assert.Equal(t, subErr.Scope, NewListScope("list-1", "user-self"))

	// the cache stays readable, just empty
	assert.Equal(t, sub.Cache().Len(), 0)
	assert.Equal(t, sub.Presence().State(), PresenceStateUnsubscribed)
}

func TestSubscriptionStateCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHubWithDefaults(ctx)
	defer hub.Close()

	manager := NewSubscriptionManagerWithDefaults(ctx, hub)
	defer manager.Close()

	sub := manager.Mount("list-1", &Participant{UserId: "user-self"})
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub.State()
		return state == SubscriptionStateActive
	}), true)

	stateCh := make(chan SubscriptionState, 4)
	unsub := sub.AddStateCallback(func(state SubscriptionState, err error) {
		stateCh <- state
	})
	defer unsub()

	manager.Unmount()

	select {
	case state := <-stateCh:
		assert.Equal(t, state, SubscriptionStateClosed)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

// blocks change feed acquisitions until released, ignoring the acquisition
// context, to force an acquisition that resolves after teardown
type slowProvider struct {
	inner   ChannelProvider
	release chan struct{}
}

func (self *slowProvider) OpenChangeFeed(ctx context.Context, listId string) (ChangeFeed, error) {
	select {
	case <-self.release:
	}
	return self.inner.OpenChangeFeed(context.Background(), listId)
}

func (self *slowProvider) OpenPresence(ctx context.Context, listId string) (PresenceChannel, error) {
	return self.inner.OpenPresence(ctx, listId)
}

type failingProvider struct {
	err error
}

func (self *failingProvider) OpenChangeFeed(ctx context.Context, listId string) (ChangeFeed, error) {
	return nil, self.err
}

func (self *failingProvider) OpenPresence(ctx context.Context, listId string) (PresenceChannel, error) {
	return nil, self.err
}

func TestSubscriptionStaleResolveIsInert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHubWithDefaults(ctx)
	defer hub.Close()

	provider := &slowProvider{
		inner:   hub,
		release: make(chan struct{}),
	}
	manager := NewSubscriptionManagerWithDefaults(ctx, provider)
	defer manager.Close()

	participant := &Participant{UserId: "user-self"}

	sub1 := manager.Mount("list-1", participant)
	// tear down while the acquisition is still in flight
	manager.Unmount()
	sub2 := manager.Mount("list-1", participant)
	assert.Equal(t, sub2 == sub1, false)

	// both acquisitions resolve now. The first resolves into a torn-down
	// scope and must close its channel without applying anything
	close(provider.release)

	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state, _ := sub2.State()
		return state == SubscriptionStateActive
	}), true)

	hub.PublishInsert("list-1", map[string]any{"id": "item-1", "name": "Milk"})

	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return sub2.Cache().Len() == 1
	}), true)
	// the stale scope's cache never sees the event
	assert.Equal(t, sub1.Cache().Len(), 0)

	// the stale feed was closed, leaving only the live subscription
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		feedCount, presenceCount := hub.TopicSize("list-1")
		return feedCount == 1 && presenceCount == 1
	}), true)
}
