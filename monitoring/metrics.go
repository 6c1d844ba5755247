package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"ticket-admission/internal/repository"
	"ticket-admission/models"
)

const (
	unknownEvent = "unknown"
	// otherEvent labels events that are not watched, so client supplied ids
	// cannot grow label cardinality.
	otherEvent = "other"

	DefaultMaxEvents = 100
)

var (
	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_verifications_total",
			Help: "Total verification attempts by outcome",
		},
		[]string{"event_id", "result"},
	)

	issuance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_issuance_total",
			Help: "Total tickets issued",
		},
		[]string{"event_id", "status"},
	)

	verifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticket_verify_duration_seconds",
			Help:    "Duration of verification requests",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redemption_broadcasts_total",
			Help: "Total redemption broadcasts by backend",
		},
		[]string{"backend", "status"},
	)

	rateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total verification attempts rejected by the rate limiter",
		},
	)

	ticketsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickets_by_status",
			Help: "Current number of tickets per event and status",
		},
		[]string{"event_id", "status"},
	)
)

// Monitor records admission metrics and periodically refreshes the
// per-status ticket gauges for the events it watches. Configured events are
// always watched; others are added when a ticket is created or a token for
// them verifies, up to MaxEvents.
type Monitor struct {
	// MaxEvents caps the events added after construction.
	MaxEvents int

	stats repository.StatsReader
	log   logrus.FieldLogger

	mu     sync.Mutex
	events map[string]struct{}
}

// NewMonitor returns a Monitor. stats may be nil, in which case the gauges
// are never refreshed.
func NewMonitor(stats repository.StatsReader, logger logrus.FieldLogger, events ...string) *Monitor {
	m := &Monitor{
		MaxEvents: DefaultMaxEvents,
		stats:     stats,
		log:       logger,
		events:    make(map[string]struct{}),
	}
	for _, e := range events {
		if e != "" {
			m.events[e] = struct{}{}
		}
	}
	return m
}

// watch adds eventID unless the cap is reached and reports whether it is
// watched.
func (m *Monitor) watch(eventID string) bool {
	if eventID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[eventID]; ok {
		return true
	}
	if len(m.events) >= m.MaxEvents {
		return false
	}
	m.events[eventID] = struct{}{}
	return true
}

func (m *Monitor) watched(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventID]
	return ok
}

func eventLabel(eventID string, watched bool) string {
	switch {
	case eventID == "":
		return unknownEvent
	case !watched:
		return otherEvent
	}
	return eventID
}

// Events returns the event ids whose gauges are refreshed.
func (m *Monitor) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.events))
	for e := range m.events {
		out = append(out, e)
	}
	return out
}

// TrackVerification records an outcome. The event id comes from an
// authenticated token, so it may be watched.
func (m *Monitor) TrackVerification(eventID string, result models.Result, duration time.Duration) {
	label := eventLabel(eventID, m.watch(eventID))
	verifications.WithLabelValues(label, string(result)).Inc()
	verifyDuration.Observe(duration.Seconds())
}

// TrackIssuance records an issuance. Only a created ticket makes its event
// watched.
func (m *Monitor) TrackIssuance(eventID string, err error) {
	status, watched := "success", false
	if err != nil {
		status = "error"
		watched = m.watched(eventID)
	} else {
		watched = m.watch(eventID)
	}
	issuance.WithLabelValues(eventLabel(eventID, watched), status).Inc()
}

func (m *Monitor) TrackRateLimited() {
	rateLimited.Inc()
}

// ObserveBroadcast satisfies broadcast.Observer.
func (m *Monitor) ObserveBroadcast(backend string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	broadcasts.WithLabelValues(backend, status).Inc()
}

// Run refreshes the ticket gauges every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if m.stats == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.Collect(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect refreshes the ticket gauges once.
func (m *Monitor) Collect(ctx context.Context) {
	for _, eventID := range m.Events() {
		stats, err := m.stats.Stats(ctx, eventID)
		if err != nil {
			m.log.WithError(err).WithField("event_id", eventID).Warn("Failed to collect ticket stats")
			continue
		}
		for _, st := range models.AllStatuses {
			ticketsByStatus.WithLabelValues(eventID, string(st)).Set(float64(stats.ByStatus[st]))
		}
	}
}
