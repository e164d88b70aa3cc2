package realtime

import (
	"github.com/golang/glog"
)

// the reconciler applies normalized change events to the local list cache.
// the feed guarantees neither ordering nor uniqueness, so every operation is
// safe to apply twice and safe to apply out of its natural order relative to
// its siblings:
// - an insert for a known id merges (updated semantics), never a second entry
// - an update for an unknown id materializes the record from the partial
//   payload (a missed insert; dropping it would leave this client permanently
//   missing the item until a full resync)
// - a delete for an absent id is a silent no-op (already converged)
// - partial updates merge only the fields present in the payload, so an
//   omitted relation never nulls the cached relation
// two near-simultaneous conflicting edits resolve by arrival order, not
// logical causality. There is no rollback: an applied mutation is final until
// superseded by a later event or a full resync.

type ChangeFunction = func(event *ChangeEvent)

type ReconcilerSettings struct {
	Stats *Stats
}

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{}
}

type Reconciler struct {
	cache    *ListCache
	settings *ReconcilerSettings

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewReconcilerWithDefaults(cache *ListCache) *Reconciler {
	return NewReconciler(cache, DefaultReconcilerSettings())
}

func NewReconciler(cache *ListCache, settings *ReconcilerSettings) *Reconciler {
	return &Reconciler{
		cache:           cache,
		settings:        settings,
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Reconciler) Cache() *ListCache {
	return self.cache
}

// AddChangeCallback registers a callback invoked after each applied event
func (self *Reconciler) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Apply applies one canonical event to the cache. The reducer step is
// synchronous and never suspends, so events handed over back-to-back by one
// drain goroutine are applied in strict delivery order.
// Returns whether the cache mutated
func (self *Reconciler) Apply(event *ChangeEvent) bool {
	if event == nil {
		return false
	}
	if event.ListId != "" && event.ListId != self.cache.ListId() {
		// misrouted event from a torn-down or foreign scope
		self.settings.Stats.AddEventStale()
		glog.V(1).Infof("[rec]%s drop event for list %s\n", self.cache.ListId(), event.ListId)
		return false
	}

	applied := false
	switch event.Type {
	case ChangeInsert, ChangeUpdate:
		// insert on a known id and update on an unknown id converge on the
		// same merge
		applied = self.cache.upsert(event.ItemId, event.Fields)
	case ChangeDelete:
		applied = self.cache.remove(event.ItemId)
	default:
		glog.Infof("[rec]%s drop unknown change type = %s\n", self.cache.ListId(), event.Type)
		return false
	}

	if applied {
		self.settings.Stats.AddEventApplied(event.Type)
		glog.V(2).Infof("[rec]%s %s %s\n", self.cache.ListId(), event.Type, event.ItemId)

		if callbacks := self.changeCallbacks.Get(); 0 < len(callbacks) {
			for _, callback := range callbacks {
				HandleError(func() {
					callback(event)
				})
			}
		}
	} else {
		glog.V(2).Infof("[rec]%s %s %s converged\n", self.cache.ListId(), event.Type, event.ItemId)
	}
	return applied
}

// ApplyRaw normalizes one raw notification and applies it. Malformed payloads
// are dropped with a diagnostic and never propagate: control flow continues
// with subsequent events, and redelivery self-heals via idempotent application
func (self *Reconciler) ApplyRaw(raw *RawChange) bool {
	event, err := NormalizeChange(self.cache.ListId(), raw)
	if err != nil {
		self.settings.Stats.AddEventMalformed()
		glog.Infof("[rec]%s drop malformed event = %s\n", self.cache.ListId(), err)
		return false
	}
	return self.Apply(event)
}

// ApplyBatch applies events in delivery order. When a delete and a later
// update reference the same id within one batch, the last one applied wins
func (self *Reconciler) ApplyBatch(events []*ChangeEvent) int {
	appliedCount := 0
	for _, event := range events {
		if self.Apply(event) {
			appliedCount += 1
		}
	}
	return appliedCount
}

// Resync replaces the whole cache from raw item bags, typically fetched via
// the api. This is the externally invoked fallback that closes consistency
// gaps the feed cannot, e.g. across a connection gap
func (self *Reconciler) Resync(bags []map[string]any) {
	canonical := make([]map[string]any, 0, len(bags))
	for _, bag := range bags {
		canonical = append(canonical, CanonicalizeBag(bag))
	}
	self.cache.reset(canonical)
	glog.V(1).Infof("[rec]%s resync %d items\n", self.cache.ListId(), len(canonical))
}
