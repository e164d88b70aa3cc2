package realtime

import (
	"context"
	"fmt"
)

// the channel boundary. A channel provider hands out two per-list streams:
// a change feed of raw item notifications and a presence channel of
// sync/join/leave notifications. The provider owns the wire details,
// including reconnection. This package assumes at-least-once delivery with
// no ordering or dedup guarantee, and treats a reconnect as a fresh
// subscription: a new full presence sync, no change backlog replay.

type PresenceEventType string

const (
	PresenceEventSync  PresenceEventType = "sync"
	PresenceEventJoin  PresenceEventType = "join"
	PresenceEventLeave PresenceEventType = "leave"
)

// presence notification as handed over by a channel implementation.
// participant bags cross the serialization boundary in transport casing,
// like change payloads
type PresenceEvent struct {
	Type PresenceEventType
	// full snapshot for sync
	Participants []map[string]any
	// single participant for join/leave
	Participant map[string]any
}

// ChangeFeed delivers raw change notifications for one list.
// the events channel is closed on `Close` or when the provider shuts down
type ChangeFeed interface {
	Events() <-chan *RawChange
	Close()
}

// PresenceChannel delivers presence notifications for one list.
// `Track` announces the local participant to the other subscribers. Announcing
// once per subscription lifetime is the caller's contract; a provider that
// reconnects internally re-announces tracked participants itself
type PresenceChannel interface {
	Track(ctx context.Context, participant *Participant) error
	Events() <-chan *PresenceEvent
	Close()
}

// ChannelProvider acquires per-list channels. Acquisition may block and is
// bounded by the context
type ChannelProvider interface {
	OpenChangeFeed(ctx context.Context, listId string) (ChangeFeed, error)
	OpenPresence(ctx context.Context, listId string) (PresenceChannel, error)
}

// SubscriptionError surfaces a failed channel acquisition once to the
// consumer. The subscription enters a degraded state and the cache stays
// readable, just stale
type SubscriptionError struct {
	Scope ListScope
	// the operation that failed: "change_feed", "presence", "track"
	Op  string
	Err error
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s failed for scope %s: %s", self.Op, self.Scope, self.Err)
}

func (self *SubscriptionError) Unwrap() error {
	return self.Err
}
