package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// LocalHub is an in-process channel provider: per-list topics with buffered
// fan-out of published raw changes, and presence membership that serves a
// full sync on each track plus best-effort join/leave deltas. It implements
// the same contract the platform serves, for tests and embedders that run
// the feed and its consumers in one process. Delivery is at-least-once in
// spirit only: a subscriber that falls behind its buffer drops notifications,
// which consumers repair the same way they repair a connection gap, with a
// resync.

type LocalHubSettings struct {
	ChannelBufferSize int
}

func DefaultLocalHubSettings() *LocalHubSettings {
	return &LocalHubSettings{
		ChannelBufferSize: 32,
	}
}

type LocalHub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LocalHubSettings

	stateLock sync.Mutex
	closed    bool
	topics    map[string]*hubTopic
}

func NewLocalHubWithDefaults(ctx context.Context) *LocalHub {
	return NewLocalHub(ctx, DefaultLocalHubSettings())
}

func NewLocalHub(ctx context.Context, settings *LocalHubSettings) *LocalHub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &LocalHub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		topics:   map[string]*hubTopic{},
	}
	go func() {
		<-cancelCtx.Done()
		hub.Close()
	}()
	return hub
}

type hubTopic struct {
	nextId    int
	feeds     map[int]*hubChangeFeed
	presences map[int]*hubPresenceChannel
	// presence id -> announced participant
	tracked map[int]*Participant
}

func newHubTopic() *hubTopic {
	return &hubTopic{
		feeds:     map[int]*hubChangeFeed{},
		presences: map[int]*hubPresenceChannel{},
		tracked:   map[int]*Participant{},
	}
}

func (self *hubTopic) isEmpty() bool {
	return len(self.feeds) == 0 && len(self.presences) == 0
}

func (self *LocalHub) OpenChangeFeed(ctx context.Context, listId string) (ChangeFeed, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, errors.New("hub closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topic := self.topic(listId)
	feed := &hubChangeFeed{
		hub:    self,
		listId: listId,
		feedId: topic.nextId,
		events: make(chan *RawChange, self.settings.ChannelBufferSize),
	}
	topic.nextId += 1
	topic.feeds[feed.feedId] = feed
	glog.V(1).Infof("[hub]%s open change feed %d\n", listId, feed.feedId)
	return feed, nil
}

func (self *LocalHub) OpenPresence(ctx context.Context, listId string) (PresenceChannel, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, errors.New("hub closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topic := self.topic(listId)
	presence := &hubPresenceChannel{
		hub:        self,
		listId:     listId,
		presenceId: topic.nextId,
		events:     make(chan *PresenceEvent, self.settings.ChannelBufferSize),
	}
	topic.nextId += 1
	topic.presences[presence.presenceId] = presence
	glog.V(1).Infof("[hub]%s open presence %d\n", listId, presence.presenceId)
	return presence, nil
}

// PublishChange fans a raw notification out to every change feed subscribed
// to the list. No subscribers, no delivery
func (self *LocalHub) PublishChange(listId string, raw *RawChange) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	topic, ok := self.topics[listId]
	if !ok {
		return
	}
	for _, feed := range topic.feeds {
		feed.deliver(raw)
	}
}

func (self *LocalHub) PublishInsert(listId string, record map[string]any) {
	self.PublishChange(listId, &RawChange{
		Type: "insert",
		New:  record,
	})
}

func (self *LocalHub) PublishUpdate(listId string, record map[string]any, old map[string]any) {
	self.PublishChange(listId, &RawChange{
		Type: "update",
		New:  record,
		Old:  old,
	})
}

func (self *LocalHub) PublishDelete(listId string, old map[string]any) {
	self.PublishChange(listId, &RawChange{
		Type: "delete",
		Old:  old,
	})
}

// PublishPresence hands an arbitrary presence notification to every presence
// subscriber of the list, bypassing membership. Tests use this to inject
// stale deltas
func (self *LocalHub) PublishPresence(listId string, event *PresenceEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	topic, ok := self.topics[listId]
	if !ok {
		return
	}
	for _, presence := range topic.presences {
		presence.deliver(event)
	}
}

// SyncPresence broadcasts an authoritative snapshot of the current
// membership to every presence subscriber of the list
func (self *LocalHub) SyncPresence(listId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	topic, ok := self.topics[listId]
	if !ok {
		return
	}
	event := &PresenceEvent{
		Type:         PresenceEventSync,
		Participants: topic.memberBags(),
	}
	for _, presence := range topic.presences {
		presence.deliver(event)
	}
}

// TopicSize reports the subscriber counts for one list, for leak checks
func (self *LocalHub) TopicSize(listId string) (feedCount int, presenceCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topic, ok := self.topics[listId]
	if !ok {
		return 0, 0
	}
	return len(topic.feeds), len(topic.presences)
}

func (self *LocalHub) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	for _, topic := range self.topics {
		for _, feed := range topic.feeds {
			close(feed.events)
		}
		for _, presence := range topic.presences {
			close(presence.events)
		}
	}
	self.topics = map[string]*hubTopic{}
	self.stateLock.Unlock()

	self.cancel()
}

// must be called with `stateLock`
func (self *LocalHub) topic(listId string) *hubTopic {
	topic, ok := self.topics[listId]
	if !ok {
		topic = newHubTopic()
		self.topics[listId] = topic
	}
	return topic
}

// must be called with `stateLock`
func (self *hubTopic) memberBags() []map[string]any {
	bags := []map[string]any{}
	for _, participant := range maps.Values(self.tracked) {
		bags = append(bags, participant.Bag())
	}
	return bags
}

func (self *LocalHub) track(presence *hubPresenceChannel, participant *Participant) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return errors.New("hub closed")
	}
	topic, ok := self.topics[presence.listId]
	if !ok {
		return errors.New("presence channel closed")
	}
	if _, ok := topic.presences[presence.presenceId]; !ok {
		return errors.New("presence channel closed")
	}

	member := *participant
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now()
	}
	topic.tracked[presence.presenceId] = &member

	// the tracking subscriber gets the authoritative snapshot.
	// everyone else gets a best-effort join delta
	presence.deliver(&PresenceEvent{
		Type:         PresenceEventSync,
		Participants: topic.memberBags(),
	})
	join := &PresenceEvent{
		Type:        PresenceEventJoin,
		Participant: member.Bag(),
	}
	for _, other := range topic.presences {
		if other.presenceId == presence.presenceId {
			continue
		}
		other.deliver(join)
	}
	glog.V(1).Infof("[hub]%s track %s\n", presence.listId, member.UserId)
	return nil
}

func (self *LocalHub) closeChangeFeed(feed *hubChangeFeed) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topic, ok := self.topics[feed.listId]
	if !ok {
		return
	}
	if _, ok := topic.feeds[feed.feedId]; !ok {
		return
	}
	delete(topic.feeds, feed.feedId)
	close(feed.events)
	if topic.isEmpty() {
		delete(self.topics, feed.listId)
	}
	glog.V(1).Infof("[hub]%s close change feed %d\n", feed.listId, feed.feedId)
}

func (self *LocalHub) closePresence(presence *hubPresenceChannel) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topic, ok := self.topics[presence.listId]
	if !ok {
		return
	}
	if _, ok := topic.presences[presence.presenceId]; !ok {
		return
	}
	member := topic.tracked[presence.presenceId]
	delete(topic.tracked, presence.presenceId)
	delete(topic.presences, presence.presenceId)
	close(presence.events)

	if member != nil {
		leave := &PresenceEvent{
			Type:        PresenceEventLeave,
			Participant: member.Bag(),
		}
		for _, other := range topic.presences {
			other.deliver(leave)
		}
	}
	if topic.isEmpty() {
		delete(self.topics, presence.listId)
	}
	glog.V(1).Infof("[hub]%s close presence %d\n", presence.listId, presence.presenceId)
}

type hubChangeFeed struct {
	hub    *LocalHub
	listId string
	feedId int
	events chan *RawChange

	closeOnce sync.Once
}

func (self *hubChangeFeed) Events() <-chan *RawChange {
	return self.events
}

// must be called with the hub `stateLock`
func (self *hubChangeFeed) deliver(raw *RawChange) {
	select {
	case self.events <- raw:
	default:
		glog.Infof("[hub]%s drop change for feed %d (full)\n", self.listId, self.feedId)
	}
}

func (self *hubChangeFeed) Close() {
	self.closeOnce.Do(func() {
		self.hub.closeChangeFeed(self)
	})
}

type hubPresenceChannel struct {
	hub        *LocalHub
	listId     string
	presenceId int
	events     chan *PresenceEvent

	closeOnce sync.Once
}

func (self *hubPresenceChannel) Track(ctx context.Context, participant *Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return self.hub.track(self, participant)
}

func (self *hubPresenceChannel) Events() <-chan *PresenceEvent {
	return self.events
}

// must be called with the hub `stateLock`
func (self *hubPresenceChannel) deliver(event *PresenceEvent) {
	select {
	case self.events <- event:
	default:
		glog.Infof("[hub]%s drop presence for %d (full)\n", self.listId, self.presenceId)
	}
}

func (self *hubPresenceChannel) Close() {
	self.closeOnce.Do(func() {
		self.hub.closePresence(self)
	})
}
