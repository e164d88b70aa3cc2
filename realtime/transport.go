package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the platform channel provider multiplexes every per-list subscription of
// one client over a single persistent websocket to the platform channel
// service. The connect loop authenticates with a frame echo, then replays
// the registered scopes: a reconnect behaves as a fresh subscription, with a
// new presence state per topic and no change backlog, so consumers close a
// connection gap with a resync, not by waiting for replay.

type PlatformChannelSettings struct {
	HttpConnectTimeout time.Duration
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	ChannelBufferSize  int
	Stats              *Stats
}

func DefaultPlatformChannelSettings() *PlatformChannelSettings {
	return &PlatformChannelSettings{
		HttpConnectTimeout: 2 * time.Second,
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
		ChannelBufferSize:  32,
	}
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) UserId() (string, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return byJwt.UserId, nil
}

type PlatformChannelProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	auth        *ClientAuth

	settings *PlatformChannelSettings

	send chan []byte

	stateLock sync.Mutex
	closed    bool
	connected bool
	topics    map[string]*platformTopic
}

func NewPlatformChannelProviderWithDefaults(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
) *PlatformChannelProvider {
	return NewPlatformChannelProvider(ctx, platformUrl, auth, DefaultPlatformChannelSettings())
}

func NewPlatformChannelProvider(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	settings *PlatformChannelSettings,
) *PlatformChannelProvider {
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &PlatformChannelProvider{
		ctx:         cancelCtx,
		cancel:      cancel,
		platformUrl: platformUrl,
		auth:        auth,
		settings:    settings,
		send:        make(chan []byte, settings.SendBufferSize),
		topics:      map[string]*platformTopic{},
	}
	go provider.run()
	return provider
}

type platformTopic struct {
	nextId    int
	feeds     map[int]*platformChangeFeed
	presences map[int]*platformPresenceChannel
	// presence id -> announced participant, replayed on reconnect
	tracked map[int]*Participant
}

func newPlatformTopic() *platformTopic {
	return &platformTopic{
		feeds:     map[int]*platformChangeFeed{},
		presences: map[int]*platformPresenceChannel{},
		tracked:   map[int]*Participant{},
	}
}

func (self *platformTopic) isEmpty() bool {
	return len(self.feeds) == 0 && len(self.presences) == 0
}

func (self *PlatformChannelProvider) run() {
	defer func() {
		self.cancel()
		self.closeAllTopics()
	}()

	userId, _ := self.auth.UserId()

	authBytes, err := EncodeFrame(&Auth{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				NetDialContext:   (&net.Dialer{Timeout: self.settings.HttpConnectTimeout}).DialContext,
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[ct]connect %s", userId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[ct]auth error %s = %s\n", userId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				self.settings.Stats.AddReconnect()
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.setConnected(true)
			defer self.setConnected(false)

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[cts]%s-> error = %s\n", userId, err)
							return
						}
						glog.V(2).Infof("[cts]%s->\n", userId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ctr]%s<- error = %s\n", userId, err)
						return
					}

					switch messageType {
					case websocket.BinaryMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[ctr]ping %s<-\n", userId)
							continue
						}

						m, err := DecodeFrame(message)
						if err != nil {
							glog.Infof("[ctr]%s<- drop frame = %s\n", userId, err)
							continue
						}
						self.dispatch(m)
					default:
						glog.V(2).Infof("[ctr]other=%d %s<-\n", messageType, userId)
					}
				}
			}()

			// a fresh connection is a fresh subscription: resubscribe every
			// registered topic and re-announce every tracked participant.
			// the service answers with a new presence state per topic
			self.replay()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[ct]connect run %s", userId), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
			self.settings.Stats.AddReconnect()
		}
	}
}

func (self *PlatformChannelProvider) setConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected = connected
}

func (self *PlatformChannelProvider) replay() {
	frames := []any{}
	self.stateLock.Lock()
	for listId, topic := range self.topics {
		frames = append(frames, &Subscribe{
			ListId: listId,
		})
		for _, participant := range topic.tracked {
			frames = append(frames, &Track{
				ListId:      listId,
				Participant: participant.Bag(),
			})
		}
	}
	self.stateLock.Unlock()

	for _, frame := range frames {
		self.sendFrame(frame)
	}
}

// best effort enqueue. Frames attempted while disconnected are dropped here;
// the connect loop replays subscribe and track for every registered scope,
// and the frames themselves are idempotent on the service side.
// never call with `stateLock` held
func (self *PlatformChannelProvider) sendFrame(message any) {
	b, err := EncodeFrame(message)
	if err != nil {
		glog.Warningf("[ct]encode error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()
	if !connected {
		glog.V(1).Infof("[ct]defer frame to connect replay\n")
		return
	}

	select {
	case self.send <- b:
	default:
		glog.Infof("[ct]send overflow drop\n")
	}
}

func (self *PlatformChannelProvider) dispatch(message any) {
	switch v := message.(type) {
	case *ChangeNotify:
		if v.Change == nil {
			return
		}
		self.stateLock.Lock()
		if topic, ok := self.topics[v.ListId]; ok {
			for _, feed := range topic.feeds {
				feed.deliver(v.Change)
			}
		}
		self.stateLock.Unlock()
	case *PresenceStateNotify:
		self.deliverPresence(v.ListId, &PresenceEvent{
			Type:         PresenceEventSync,
			Participants: v.Participants,
		})
	case *PresenceDiffNotify:
		for _, join := range v.Joins {
			self.deliverPresence(v.ListId, &PresenceEvent{
				Type:        PresenceEventJoin,
				Participant: join,
			})
		}
		for _, leave := range v.Leaves {
			self.deliverPresence(v.ListId, &PresenceEvent{
				Type:        PresenceEventLeave,
				Participant: leave,
			})
		}
	default:
		glog.V(2).Infof("[ct]ignore frame %T\n", v)
	}
}

func (self *PlatformChannelProvider) deliverPresence(listId string, event *PresenceEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if topic, ok := self.topics[listId]; ok {
		for _, presence := range topic.presences {
			presence.deliver(event)
		}
	}
}

func (self *PlatformChannelProvider) OpenChangeFeed(ctx context.Context, listId string) (ChangeFeed, error) {
	var feed *platformChangeFeed
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return errors.New("channel provider closed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		topic := self.topic(listId)
		feed = &platformChangeFeed{
			provider: self,
			listId:   listId,
			feedId:   topic.nextId,
			events:   make(chan *RawChange, self.settings.ChannelBufferSize),
		}
		topic.nextId += 1
		topic.feeds[feed.feedId] = feed
		return nil
	}()
	if err != nil {
		return nil, err
	}

	// idempotent on the service side, so no need to dedup per topic here
	self.sendFrame(&Subscribe{
		ListId: listId,
	})
	glog.V(1).Infof("[ct]%s open change feed %d\n", listId, feed.feedId)
	return feed, nil
}

func (self *PlatformChannelProvider) OpenPresence(ctx context.Context, listId string) (PresenceChannel, error) {
	var presence *platformPresenceChannel
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return errors.New("channel provider closed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		topic := self.topic(listId)
		presence = &platformPresenceChannel{
			provider:   self,
			listId:     listId,
			presenceId: topic.nextId,
			events:     make(chan *PresenceEvent, self.settings.ChannelBufferSize),
		}
		topic.nextId += 1
		topic.presences[presence.presenceId] = presence
		return nil
	}()
	if err != nil {
		return nil, err
	}

	self.sendFrame(&Subscribe{
		ListId: listId,
	})
	glog.V(1).Infof("[ct]%s open presence %d\n", listId, presence.presenceId)
	return presence, nil
}

// must be called with `stateLock`
func (self *PlatformChannelProvider) topic(listId string) *platformTopic {
	topic, ok := self.topics[listId]
	if !ok {
		topic = newPlatformTopic()
		self.topics[listId] = topic
	}
	return topic
}

func (self *PlatformChannelProvider) track(presence *platformPresenceChannel, participant *Participant) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return errors.New("channel provider closed")
		}
		topic, ok := self.topics[presence.listId]
		if !ok {
			return errors.New("presence channel closed")
		}
		if _, ok := topic.presences[presence.presenceId]; !ok {
			return errors.New("presence channel closed")
		}
		topic.tracked[presence.presenceId] = participant
		return nil
	}()
	if err != nil {
		return err
	}

	self.sendFrame(&Track{
		ListId:      presence.listId,
		Participant: participant.Bag(),
	})
	return nil
}

func (self *PlatformChannelProvider) closeChangeFeed(feed *platformChangeFeed) {
	last := false
	func() {
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
			last = true
		}
	}()
	if last {
		self.sendFrame(&Unsubscribe{
			ListId: feed.listId,
		})
	}
	glog.V(1).Infof("[ct]%s close change feed %d\n", feed.listId, feed.feedId)
}

func (self *PlatformChannelProvider) closePresence(presence *platformPresenceChannel) {
	var member *Participant
	last := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		topic, ok := self.topics[presence.listId]
		if !ok {
			return
		}
		if _, ok := topic.presences[presence.presenceId]; !ok {
			return
		}
		member = topic.tracked[presence.presenceId]
		delete(topic.tracked, presence.presenceId)
		delete(topic.presences, presence.presenceId)
		close(presence.events)
		if topic.isEmpty() {
			delete(self.topics, presence.listId)
			last = true
		}
	}()
	if member != nil {
		self.sendFrame(&Untrack{
			ListId:      presence.listId,
			Participant: member.Bag(),
		})
	}
	if last {
		self.sendFrame(&Unsubscribe{
			ListId: presence.listId,
		})
	}
	glog.V(1).Infof("[ct]%s close presence %d\n", presence.listId, presence.presenceId)
}

func (self *PlatformChannelProvider) closeAllTopics() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
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
	self.topics = map[string]*platformTopic{}
}

func (self *PlatformChannelProvider) Close() {
	self.cancel()
	self.closeAllTopics()
}

type platformChangeFeed struct {
	provider *PlatformChannelProvider
	listId   string
	feedId   int
	events   chan *RawChange

	closeOnce sync.Once
}

func (self *platformChangeFeed) Events() <-chan *RawChange {
	return self.events
}

// must be called with the provider `stateLock`
func (self *platformChangeFeed) deliver(raw *RawChange) {
	select {
	case self.events <- raw:
	default:
		glog.Infof("[ct]%s drop change for feed %d (full)\n", self.listId, self.feedId)
	}
}

func (self *platformChangeFeed) Close() {
	self.closeOnce.Do(func() {
		self.provider.closeChangeFeed(self)
	})
}

type platformPresenceChannel struct {
	provider   *PlatformChannelProvider
	listId     string
	presenceId int
	events     chan *PresenceEvent

	closeOnce sync.Once
}

func (self *platformPresenceChannel) Track(ctx context.Context, participant *Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return self.provider.track(self, participant)
}

func (self *platformPresenceChannel) Events() <-chan *PresenceEvent {
	return self.events
}

// must be called with the provider `stateLock`
func (self *platformPresenceChannel) deliver(event *PresenceEvent) {
	select {
	case self.events <- event:
	default:
		glog.Infof("[ct]%s drop presence for %d (full)\n", self.listId, self.presenceId)
	}
}

func (self *platformPresenceChannel) Close() {
	self.closeOnce.Do(func() {
		self.provider.closePresence(self)
	})
}
