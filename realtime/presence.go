package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// presence state machine per subscribed list:
// PresenceStateUnsubscribed
//
//	-> PresenceStateSubscribing
//	  -> PresenceStateSynced
//	-> PresenceStateUnsubscribed (teardown, from any state)
//
// while synced, a sync notification replaces the entire set. It is
// authoritative and idempotent, so it corrects any missed join/leave deltas.
// join/leave deltas are applied immediately for responsiveness but carry no
// durability. The next sync is the source of truth.
type PresenceState string

const (
	PresenceStateUnsubscribed PresenceState = "Unsubscribed"
	PresenceStateSubscribing  PresenceState = "Subscribing"
	PresenceStateSynced       PresenceState = "Synced"
)

func (self PresenceState) IsActive() bool {
	switch self {
	case PresenceStateSubscribing, PresenceStateSynced:
		return true
	default:
		return false
	}
}

type Participant struct {
	UserId    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	AvatarUrl string    `json:"avatarUrl,omitempty"`
	JoinedAt  time.Time `json:"joinedAt,omitempty"`
}

// ParticipantFromBag folds one transport participant bag into a typed record.
// The only failure mode is a missing user identity
func ParticipantFromBag(bag map[string]any) (*Participant, error) {
	canonical := CanonicalizeBag(bag)
	userId := stringId(canonical["userId"])
	if userId == "" {
		userId = stringId(canonical["id"])
	}
	if userId == "" {
		return nil, &MalformedEventError{Reason: "participant has no user id"}
	}

	participant := &Participant{
		UserId:    userId,
		Name:      bagString(canonical, "name"),
		Email:     bagString(canonical, "email"),
		AvatarUrl: bagString(canonical, "avatarUrl"),
	}
	if joinedAt, ok := bagTime(canonical, "joinedAt"); ok {
		participant.JoinedAt = joinedAt
	} else if joinedAt, ok := bagTime(canonical, "onlineAt"); ok {
		participant.JoinedAt = joinedAt
	}
	return participant, nil
}

func (self *Participant) Bag() map[string]any {
	bag := map[string]any{
		"userId": self.UserId,
	}
	if self.Name != "" {
		bag["name"] = self.Name
	}
	if self.Email != "" {
		bag["email"] = self.Email
	}
	if self.AvatarUrl != "" {
		bag["avatarUrl"] = self.AvatarUrl
	}
	if !self.JoinedAt.IsZero() {
		bag["joinedAt"] = self.JoinedAt.UTC().Format(time.RFC3339Nano)
	}
	return bag
}

func bagTime(bag map[string]any, key string) (time.Time, bool) {
	switch v := bag[key].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
	case float64:
		// epoch seconds
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), true
	case int64:
		return time.Unix(v, 0), true
	}
	return time.Time{}, false
}

type PresenceFunction = func(state PresenceState, participants []*Participant)

type PresenceAggregatorSettings struct {
	Stats *Stats
}

func DefaultPresenceAggregatorSettings() *PresenceAggregatorSettings {
	return &PresenceAggregatorSettings{}
}

// PresenceAggregator maintains the current set of active viewers of one list.
// State is held only for the lifetime of the active subscription and is
// rebuilt in full from each sync snapshot to prevent drift.
type PresenceAggregator struct {
	listId     string
	selfUserId string

	settings *PresenceAggregatorSettings

	stateLock    sync.Mutex
	state        PresenceState
	participants map[string]*Participant

	updateMonitor     *Monitor
	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewPresenceAggregatorWithDefaults(listId string, selfUserId string) *PresenceAggregator {
	return NewPresenceAggregator(listId, selfUserId, DefaultPresenceAggregatorSettings())
}

func NewPresenceAggregator(listId string, selfUserId string, settings *PresenceAggregatorSettings) *PresenceAggregator {
	return &PresenceAggregator{
		listId:            listId,
		selfUserId:        selfUserId,
		settings:          settings,
		state:             PresenceStateUnsubscribed,
		participants:      map[string]*Participant{},
		updateMonitor:     NewMonitor(),
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
}

func (self *PresenceAggregator) ListId() string {
	return self.listId
}

func (self *PresenceAggregator) SelfUserId() string {
	return self.selfUserId
}

func (self *PresenceAggregator) State() PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the monitor notifies after every accepted mutation.
// consumers re-read the latest snapshot rather than diffing
func (self *PresenceAggregator) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *PresenceAggregator) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

// Participants returns a snapshot of the active set including the local
// participant, in join order
func (self *PresenceAggregator) Participants() []*Participant {
	self.stateLock.Lock()
	participants := maps.Values(self.participants)
	self.stateLock.Unlock()

	slices.SortStableFunc(participants, func(a *Participant, b *Participant) int {
		if a.JoinedAt.Before(b.JoinedAt) {
			return -1
		} else if b.JoinedAt.Before(a.JoinedAt) {
			return 1
		}
		return strings.Compare(a.UserId, b.UserId)
	})
	return participants
}

// Others excludes the local participant by identity equality. Records cross a
// serialization boundary, so reference equality would never match
func (self *PresenceAggregator) Others() []*Participant {
	others := []*Participant{}
	for _, participant := range self.Participants() {
		if participant.UserId == self.selfUserId {
			continue
		}
		others = append(others, participant)
	}
	return others
}

// VisibleOthers caps the "others" view for avatar rows: at most `maxVisible`
// participants plus a count of the overflow
func (self *PresenceAggregator) VisibleOthers(maxVisible int) ([]*Participant, int) {
	others := self.Others()
	if maxVisible < 0 {
		maxVisible = 0
	}
	if len(others) <= maxVisible {
		return others, 0
	}
	return others[:maxVisible], len(others) - maxVisible
}

// SetSubscribing marks the start of a subscription attempt.
// the set is empty until the first sync
func (self *PresenceAggregator) SetSubscribing() {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == PresenceStateSubscribing {
			return
		}
		self.state = PresenceStateSubscribing
		self.participants = map[string]*Participant{}
		changed = true
	}()
	if changed {
		glog.V(1).Infof("[prs]%s subscribing\n", self.listId)
		self.notify()
	}
}

// SetUnsubscribed tears the set down. Presence never outlives the
// subscription; a resubscribe starts empty and waits for a fresh sync
func (self *PresenceAggregator) SetUnsubscribed() {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == PresenceStateUnsubscribed {
			return
		}
		self.state = PresenceStateUnsubscribed
		self.participants = map[string]*Participant{}
		changed = true
	}()
	if changed {
		glog.V(1).Infof("[prs]%s unsubscribed\n", self.listId)
		self.notify()
	}
}

// Apply routes one presence notification. Unknown types and malformed
// participant bags are dropped with a diagnostic; processing continues
func (self *PresenceAggregator) Apply(event *PresenceEvent) {
	if event == nil {
		return
	}
	switch event.Type {
	case PresenceEventSync:
		self.ApplySync(event.Participants)
	case PresenceEventJoin:
		self.ApplyJoin(event.Participant)
	case PresenceEventLeave:
		self.ApplyLeave(event.Participant)
	default:
		glog.V(1).Infof("[prs]%s drop unknown presence type = %s\n", self.listId, event.Type)
	}
}

// ApplySync replaces the entire active set with the snapshot's contents.
// the first sync moves the aggregator to synced
func (self *PresenceAggregator) ApplySync(bags []map[string]any) {
	participants := map[string]*Participant{}
	for _, bag := range bags {
		participant, err := ParticipantFromBag(bag)
		if err != nil {
			glog.Infof("[prs]%s drop sync entry = %s\n", self.listId, err)
			continue
		}
		participants[participant.UserId] = participant
	}

	applied := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == PresenceStateUnsubscribed {
			// stale snapshot after teardown
			return
		}
		// keep the earliest known join time per participant so the display
		// order is stable across snapshots
		for userId, participant := range participants {
			if prev, ok := self.participants[userId]; ok {
				if participant.JoinedAt.IsZero() || (!prev.JoinedAt.IsZero() && prev.JoinedAt.Before(participant.JoinedAt)) {
					participant.JoinedAt = prev.JoinedAt
				}
			}
		}
		self.participants = participants
		self.state = PresenceStateSynced
		applied = true
	}()
	if !applied {
		glog.V(1).Infof("[prs]%s drop stale sync\n", self.listId)
		return
	}

	self.settings.Stats.AddPresenceSync()
	glog.V(2).Infof("[prs]%s sync %d\n", self.listId, len(participants))
	self.notify()
}

// ApplyJoin applies a best-effort join delta
func (self *PresenceAggregator) ApplyJoin(bag map[string]any) {
	participant, err := ParticipantFromBag(bag)
	if err != nil {
		glog.Infof("[prs]%s drop join = %s\n", self.listId, err)
		return
	}

	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == PresenceStateUnsubscribed {
			return
		}
		if prev, ok := self.participants[participant.UserId]; ok {
			if participant.JoinedAt.IsZero() {
				participant.JoinedAt = prev.JoinedAt
			}
		} else if participant.JoinedAt.IsZero() {
			participant.JoinedAt = time.Now()
		}
		self.participants[participant.UserId] = participant
		changed = true
	}()

	if changed {
		self.settings.Stats.AddPresenceDelta()
		glog.V(2).Infof("[prs]%s join %s\n", self.listId, participant.UserId)
		self.notify()
	}
}

// ApplyLeave applies a best-effort leave delta
func (self *PresenceAggregator) ApplyLeave(bag map[string]any) {
	participant, err := ParticipantFromBag(bag)
	if err != nil {
		glog.Infof("[prs]%s drop leave = %s\n", self.listId, err)
		return
	}

	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == PresenceStateUnsubscribed {
			return
		}
		if _, ok := self.participants[participant.UserId]; ok {
			delete(self.participants, participant.UserId)
			changed = true
		}
	}()

	if changed {
		self.settings.Stats.AddPresenceDelta()
		glog.V(2).Infof("[prs]%s leave %s\n", self.listId, participant.UserId)
		self.notify()
	}
}

func (self *PresenceAggregator) notify() {
	self.updateMonitor.NotifyAll()

	if callbacks := self.presenceCallbacks.Get(); 0 < len(callbacks) {
		state := self.State()
		participants := self.Participants()
		for _, callback := range callbacks {
			HandleError(func() {
				callback(state, participants)
			})
		}
	}
}
