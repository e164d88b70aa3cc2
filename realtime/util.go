package realtime

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on get so that callbacks can be added and removed
// while a dispatch is in progress
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   map[int]T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
		nextId:      0,
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(self.callbackIds, i, i+1)
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

// a monitor broadcasts edge-triggered updates to waiters.
// waiters hold the channel from `NotifyChannel` and wake when it is closed.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

// closes the current update channel and installs a new one.
// returns the new channel, so the caller can in turn wait to be superseded.
func (self *Monitor) NotifyAll() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
	return self.update
}

// tracks elapsed time since creation so that a connect attempt and its
// backoff share one budget
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}

// an event is a one-shot condition bound to a context.
// `SetOnSignals` arms it on os signals for clean ctl shutdown.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc

	setOnce sync.Once
}

func NewEvent() *Event {
	return NewEventWithContext(context.Background())
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.setOnce.Do(self.cancel)
}

func (self *Event) IsSet() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			self.Set()
		case <-self.ctx.Done():
		}
	}()
}

// copy helpers shared by the snapshot paths

func cloneBag(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	return maps.Clone(fields)
}
