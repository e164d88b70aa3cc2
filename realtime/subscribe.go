package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a list subscription binds one (list, local participant) scope to one change
// feed and one presence channel. The subscription owns its cache, reconciler,
// and presence aggregator for its whole lifetime: events from a torn-down
// subscription can only ever touch the torn-down instances, so a slow
// acquisition racing a fast scope change can never mutate the new scope's
// state. Each channel is drained by a single goroutine, which makes delivery
// order the application order.

type SubscriptionState string

const (
	SubscriptionStateConnecting SubscriptionState = "Connecting"
	SubscriptionStateActive     SubscriptionState = "Active"
	SubscriptionStateFailed     SubscriptionState = "Failed"
	SubscriptionStateClosed     SubscriptionState = "Closed"
)

func (self SubscriptionState) IsTerminal() bool {
	switch self {
	case SubscriptionStateFailed, SubscriptionStateClosed:
		return true
	default:
		return false
	}
}

type SubscriptionStateFunction = func(state SubscriptionState, err error)

type ListSubscriptionSettings struct {
	SubscribeTimeout time.Duration
	TrackTimeout     time.Duration
	Stats            *Stats
}

func DefaultListSubscriptionSettings() *ListSubscriptionSettings {
	return &ListSubscriptionSettings{
		SubscribeTimeout: 5 * time.Second,
		TrackTimeout:     5 * time.Second,
	}
}

type ListSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	scope       ListScope
	participant *Participant
	provider    ChannelProvider

	settings *ListSubscriptionSettings

	cache      *ListCache
	reconciler *Reconciler
	presence   *PresenceAggregator

	stateLock sync.Mutex
	state     SubscriptionState
	stateErr  error

	stateMonitor   *Monitor
	stateCallbacks *CallbackList[SubscriptionStateFunction]
}

func NewListSubscriptionWithDefaults(
	ctx context.Context,
	provider ChannelProvider,
	listId string,
	participant *Participant,
) *ListSubscription {
	return NewListSubscription(ctx, provider, listId, participant, DefaultListSubscriptionSettings())
}

func NewListSubscription(
	ctx context.Context,
	provider ChannelProvider,
	listId string,
	participant *Participant,
	settings *ListSubscriptionSettings,
) *ListSubscription {
	cancelCtx, cancel := context.WithCancel(ctx)

	cache := NewListCache(listId)
	subscription := &ListSubscription{
		ctx:         cancelCtx,
		cancel:      cancel,
		scope:       NewListScope(listId, participant.UserId),
		participant: participant,
		provider:    provider,
		settings:    settings,
		cache:       cache,
		reconciler: NewReconciler(cache, &ReconcilerSettings{
			Stats: settings.Stats,
		}),
		presence: NewPresenceAggregator(listId, participant.UserId, &PresenceAggregatorSettings{
			Stats: settings.Stats,
		}),
		state:          SubscriptionStateConnecting,
		stateMonitor:   NewMonitor(),
		stateCallbacks: NewCallbackList[SubscriptionStateFunction](),
	}
	go HandleError(subscription.run, subscription.cancel)
	return subscription
}

func (self *ListSubscription) Scope() ListScope {
	return self.scope
}

func (self *ListSubscription) Participant() *Participant {
	return self.participant
}

func (self *ListSubscription) Cache() *ListCache {
	return self.cache
}

func (self *ListSubscription) Reconciler() *Reconciler {
	return self.reconciler
}

func (self *ListSubscription) Presence() *PresenceAggregator {
	return self.presence
}

func (self *ListSubscription) State() (SubscriptionState, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state, self.stateErr
}

func (self *ListSubscription) StateMonitor() *Monitor {
	return self.stateMonitor
}

func (self *ListSubscription) AddStateCallback(stateCallback SubscriptionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Resync replaces the cache wholesale from raw item bags fetched externally,
// e.g. via the api after a connection gap
func (self *ListSubscription) Resync(bags []map[string]any) {
	self.reconciler.Resync(bags)
}

func (self *ListSubscription) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *ListSubscription) IsDone() bool {
	return self.ctx.Err() != nil
}

func (self *ListSubscription) Close() {
	self.cancel()
}

func (self *ListSubscription) run() {
	defer self.cancel()
	defer self.setState(SubscriptionStateClosed, nil)
	defer self.presence.SetUnsubscribed()

	self.presence.SetSubscribing()

	// acquisitions are bounded by the subscription context so that teardown
	// cancels an in-flight acquisition. A provider that resolves late anyway
	// is caught by the scope check after each suspension point.

	feed, err := func() (ChangeFeed, error) {
		subscribeCtx, subscribeCancel := context.WithTimeout(self.ctx, self.settings.SubscribeTimeout)
		defer subscribeCancel()
		return self.provider.OpenChangeFeed(subscribeCtx, self.scope.ListId)
	}()
	if err != nil {
		if self.ctx.Err() != nil {
			// torn down while acquiring. Expected race outcome, not an error
			self.settings.Stats.AddEventStale()
			glog.V(1).Infof("[sub]%s stale change feed acquisition\n", self.scope)
			return
		}
		self.setState(SubscriptionStateFailed, &SubscriptionError{
			Scope: self.scope,
			Op:    "change_feed",
			Err:   err,
		})
		return
	}
	defer feed.Close()

	if self.ctx.Err() != nil {
		// the acquisition resolved after teardown. Close it, apply nothing
		self.settings.Stats.AddEventStale()
		glog.V(1).Infof("[sub]%s stale change feed resolve\n", self.scope)
		return
	}

	presenceChannel, err := func() (PresenceChannel, error) {
		subscribeCtx, subscribeCancel := context.WithTimeout(self.ctx, self.settings.SubscribeTimeout)
		defer subscribeCancel()
		return self.provider.OpenPresence(subscribeCtx, self.scope.ListId)
	}()
	if err != nil {
		if self.ctx.Err() != nil {
			self.settings.Stats.AddEventStale()
			glog.V(1).Infof("[sub]%s stale presence acquisition\n", self.scope)
			return
		}
		self.setState(SubscriptionStateFailed, &SubscriptionError{
			Scope: self.scope,
			Op:    "presence",
			Err:   err,
		})
		return
	}
	defer presenceChannel.Close()

	if self.ctx.Err() != nil {
		self.settings.Stats.AddEventStale()
		glog.V(1).Infof("[sub]%s stale presence resolve\n", self.scope)
		return
	}

	// announce the local participant once per subscription lifetime.
	// the provider re-announces on its own reconnects
	err = func() error {
		trackCtx, trackCancel := context.WithTimeout(self.ctx, self.settings.TrackTimeout)
		defer trackCancel()
		return presenceChannel.Track(trackCtx, self.participant)
	}()
	if err != nil {
		if self.ctx.Err() != nil {
			glog.V(1).Infof("[sub]%s stale track\n", self.scope)
			return
		}
		// degraded. This client still receives; others may not see it
		glog.Infof("[sub]%s track error = %s\n", self.scope, err)
	}

	self.setState(SubscriptionStateActive, nil)

	feedDone := make(chan struct{})
	go HandleError(func() {
		defer close(feedDone)
		self.drainChangeFeed(feed)
	})

	presenceDone := make(chan struct{})
	go HandleError(func() {
		defer close(presenceDone)
		self.drainPresence(presenceChannel)
	})

	// a closed channel ends the subscription. The provider reconnects
	// internally without closing its channels, so a close here means the
	// provider itself shut down or the consumer tore down
	select {
	case <-self.ctx.Done():
	case <-feedDone:
	case <-presenceDone:
	}
}

func (self *ListSubscription) drainChangeFeed(feed ChangeFeed) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case raw, ok := <-feed.Events():
			if !ok {
				return
			}
			self.reconciler.ApplyRaw(raw)
		}
	}
}

func (self *ListSubscription) drainPresence(presenceChannel PresenceChannel) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-presenceChannel.Events():
			if !ok {
				return
			}
			self.presence.Apply(event)
		}
	}
}

func (self *ListSubscription) setState(state SubscriptionState, err error) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == state {
			return
		}
		if self.state.IsTerminal() {
			// failed and closed are final
			return
		}
		self.state = state
		self.stateErr = err
		changed = true
	}()
	if !changed {
		return
	}

	if err != nil {
		glog.Infof("[sub]%s %s = %s\n", self.scope, state, err)
	} else {
		glog.Infof("[sub]%s %s\n", self.scope, state)
	}

	self.stateMonitor.NotifyAll()
	if callbacks := self.stateCallbacks.Get(); 0 < len(callbacks) {
		for _, callback := range callbacks {
			HandleError(func() {
				callback(state, err)
			})
		}
	}
}

type SubscriptionManagerSettings struct {
	SubscriptionSettings *ListSubscriptionSettings
}

func DefaultSubscriptionManagerSettings() *SubscriptionManagerSettings {
	return &SubscriptionManagerSettings{
		SubscriptionSettings: DefaultListSubscriptionSettings(),
	}
}

// SubscriptionManager owns the subscription of one mounted view. A mount with
// a new scope, a new local identity, or after a teardown always produces a
// fresh subscription; the previous one is torn down first, so its late
// callbacks land on its own orphaned cache and never on the new scope's.
// Repeated mount/unmount cycles never leak subscriptions.
type SubscriptionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	provider ChannelProvider
	settings *SubscriptionManagerSettings

	stateLock sync.Mutex
	current   *ListSubscription
}

func NewSubscriptionManagerWithDefaults(ctx context.Context, provider ChannelProvider) *SubscriptionManager {
	return NewSubscriptionManager(ctx, provider, DefaultSubscriptionManagerSettings())
}

func NewSubscriptionManager(
	ctx context.Context,
	provider ChannelProvider,
	settings *SubscriptionManagerSettings,
) *SubscriptionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SubscriptionManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		provider: provider,
		settings: settings,
	}
}

// Mount subscribes the view to one list as one local participant.
// a repeat mount of the current live scope returns the current subscription
func (self *SubscriptionManager) Mount(listId string, participant *Participant) *ListSubscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	scope := NewListScope(listId, participant.UserId)
	if self.current != nil {
		if self.current.Scope() == scope && !self.current.IsDone() {
			return self.current
		}
		// teardown is effective before the new subscription exists
		self.current.Close()
		self.current = nil
	}

	glog.V(1).Infof("[sub]mount %s\n", scope)
	self.current = NewListSubscription(
		self.ctx,
		self.provider,
		listId,
		participant,
		self.settings.SubscriptionSettings,
	)
	return self.current
}

func (self *SubscriptionManager) Unmount() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.current != nil {
		glog.V(1).Infof("[sub]unmount %s\n", self.current.Scope())
		self.current.Close()
		self.current = nil
	}
}

// Current returns the mounted subscription, or nil
func (self *SubscriptionManager) Current() *ListSubscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current
}

func (self *SubscriptionManager) Close() {
	self.cancel()
	self.Unmount()
}
