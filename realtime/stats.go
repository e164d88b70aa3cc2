package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engine counters. Per-event logging is kept at glog.V(2); these counters are
// the summarized view. All add methods are nil safe so instrumentation stays
// optional: a nil *Stats in any settings struct disables collection.

type Stats struct {
	eventsApplied   *prometheus.CounterVec
	eventsMalformed prometheus.Counter
	eventsStale     prometheus.Counter
	presenceSyncs   prometheus.Counter
	presenceDeltas  prometheus.Counter
	reconnects      prometheus.Counter
}

func NewStatsWithDefaults() *Stats {
	return NewStats(prometheus.DefaultRegisterer)
}

// NewStats creates the counter set and registers it with `registerer`.
// a nil registerer leaves the counters unregistered, for tests
func NewStats(registerer prometheus.Registerer) *Stats {
	stats := &Stats{
		eventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sharelist",
				Subsystem: "realtime",
				Name:      "events_applied_total",
				Help:      "Change events applied to the local list cache, by change type.",
			},
			[]string{"change_type"},
		),
		eventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharelist",
			Subsystem: "realtime",
			Name:      "events_malformed_total",
			Help:      "Change events dropped because the payload had no usable identity.",
		}),
		eventsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharelist",
			Subsystem: "realtime",
			Name:      "events_stale_total",
			Help:      "Callbacks ignored because their subscription scope was torn down.",
		}),
		presenceSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharelist",
			Subsystem: "realtime",
			Name:      "presence_syncs_total",
			Help:      "Authoritative presence snapshots applied.",
		}),
		presenceDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharelist",
			Subsystem: "realtime",
			Name:      "presence_deltas_total",
			Help:      "Best effort presence join/leave deltas applied.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharelist",
			Subsystem: "realtime",
			Name:      "transport_reconnects_total",
			Help:      "Platform channel reconnect attempts after a dropped connection.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			stats.eventsApplied,
			stats.eventsMalformed,
			stats.eventsStale,
			stats.presenceSyncs,
			stats.presenceDeltas,
			stats.reconnects,
		)
	}
	return stats
}

func (self *Stats) AddEventApplied(changeType ChangeType) {
	if self == nil {
		return
	}
	self.eventsApplied.WithLabelValues(string(changeType)).Inc()
}

func (self *Stats) AddEventMalformed() {
	if self == nil {
		return
	}
	self.eventsMalformed.Inc()
}

func (self *Stats) AddEventStale() {
	if self == nil {
		return
	}
	self.eventsStale.Inc()
}

func (self *Stats) AddPresenceSync() {
	if self == nil {
		return
	}
	self.presenceSyncs.Inc()
}

func (self *Stats) AddPresenceDelta() {
	if self == nil {
		return
	}
	self.presenceDeltas.Inc()
}

func (self *Stats) AddReconnect() {
	if self == nil {
		return
	}
	self.reconnects.Inc()
}
