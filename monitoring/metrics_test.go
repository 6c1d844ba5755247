package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-admission/models"
)

type fakeStats struct {
	byEvent map[string]models.Stats
	err     error
}

func (f fakeStats) Stats(_ context.Context, eventID string) (models.Stats, error) {
	if f.err != nil {
		return models.Stats{}, f.err
	}
	if s, ok := f.byEvent[eventID]; ok {
		return s, nil
	}
	return models.NewStats(eventID), nil
}

func TestMonitor_TrackVerification(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMonitor(nil, logger)

	before := testutil.ToFloat64(verifications.WithLabelValues("MetricsConf", "admitted"))
	m.TrackVerification("MetricsConf", models.ResultAdmitted, 3*time.Millisecond)
	m.TrackVerification("", models.ResultMalformedToken, time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(verifications.WithLabelValues("MetricsConf", "admitted")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(verifications.WithLabelValues(unknownEvent, "malformed_token")), 1.0)
	assert.Equal(t, []string{"MetricsConf"}, m.Events(), "blank event ids are not watched")
}

func TestMonitor_TrackIssuanceAndBroadcast(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMonitor(nil, logger)

	okBefore := testutil.ToFloat64(issuance.WithLabelValues("IssueConf", "success"))
	errBefore := testutil.ToFloat64(issuance.WithLabelValues("IssueConf", "error"))
	m.TrackIssuance("IssueConf", nil)
	m.TrackIssuance("IssueConf", errors.New("store down"))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(issuance.WithLabelValues("IssueConf", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(issuance.WithLabelValues("IssueConf", "error")))

	bBefore := testutil.ToFloat64(broadcasts.WithLabelValues("pubnub", "error"))
	m.ObserveBroadcast("pubnub", errors.New("403"))
	assert.Equal(t, bBefore+1, testutil.ToFloat64(broadcasts.WithLabelValues("pubnub", "error")))

	rlBefore := testutil.ToFloat64(rateLimited)
	m.TrackRateLimited()
	assert.Equal(t, rlBefore+1, testutil.ToFloat64(rateLimited))
}

func TestMonitor_Collect(t *testing.T) {
	stats := models.NewStats("GaugeConf")
	stats.Add(models.StatusIssued, 3)
	stats.Add(models.StatusRedeemed, 2)

	logger, _ := test.NewNullLogger()
	m := NewMonitor(fakeStats{byEvent: map[string]models.Stats{"GaugeConf": stats}}, logger, "GaugeConf")

	m.Collect(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(ticketsByStatus.WithLabelValues("GaugeConf", "issued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ticketsByStatus.WithLabelValues("GaugeConf", "redeemed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ticketsByStatus.WithLabelValues("GaugeConf", "revoked")))
}

func TestMonitor_CollectLogsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := NewMonitor(fakeStats{err: errors.New("connection refused")}, logger, "BrokenConf")

	m.Collect(context.Background())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Failed to collect ticket stats", hook.LastEntry().Message)
	assert.Equal(t, "BrokenConf", hook.LastEntry().Data["event_id"])
}

func TestMonitor_RunStopsWithContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMonitor(fakeStats{}, logger, "RunConf")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitor_WatchedEventsAreCapped(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewMonitor(nil, logger, "Configured")
	m.MaxEvents = 2

	// a failed issuance never adds an event
	otherBefore := testutil.ToFloat64(issuance.WithLabelValues(otherEvent, "error"))
	m.TrackIssuance("junk-event-1", errors.New("invalid input"))
	assert.Equal(t, otherBefore+1, testutil.ToFloat64(issuance.WithLabelValues(otherEvent, "error")))
	assert.ElementsMatch(t, []string{"Configured"}, m.Events())

	m.TrackIssuance("CapConf", nil)
	assert.ElementsMatch(t, []string{"Configured", "CapConf"}, m.Events())

	// the cap is reached; further events share the other label
	otherOK := testutil.ToFloat64(issuance.WithLabelValues(otherEvent, "success"))
	m.TrackIssuance("OverflowConf", nil)
	assert.Equal(t, otherOK+1, testutil.ToFloat64(issuance.WithLabelValues(otherEvent, "success")))

	otherVerify := testutil.ToFloat64(verifications.WithLabelValues(otherEvent, "admitted"))
	m.TrackVerification("OverflowConf", models.ResultAdmitted, time.Millisecond)
	assert.Equal(t, otherVerify+1, testutil.ToFloat64(verifications.WithLabelValues(otherEvent, "admitted")))

	assert.ElementsMatch(t, []string{"Configured", "CapConf"}, m.Events())

	// watched events keep their own label after the cap
	capBefore := testutil.ToFloat64(issuance.WithLabelValues("CapConf", "error"))
	m.TrackIssuance("CapConf", errors.New("store down"))
	assert.Equal(t, capBefore+1, testutil.ToFloat64(issuance.WithLabelValues("CapConf", "error")))
}
