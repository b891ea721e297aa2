package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/descmd1/meetup-api/internal/metrics"
)

func TestIncAndGet(t *testing.T) {
	m := metrics.New()

	if got := m.Get(metrics.CallsInitiated); got != 0 {
		t.Errorf("fresh counter = %d, want 0", got)
	}
	m.Inc(metrics.CallsInitiated)
	m.Inc(metrics.CallsInitiated)
	if got := m.Get(metrics.CallsInitiated); got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.EventsDispatched)

	snap := m.Snapshot()
	snap[metrics.EventsDispatched] = 99

	if got := m.Get(metrics.EventsDispatched); got != 1 {
		t.Errorf("counter = %d after mutating snapshot, want 1", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.ConnectionsOpened)
	m.Inc(metrics.ConnectionsOpened)
	m.Inc(metrics.MessagesRelayed)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	metrics.Handler(m).ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	out := string(body)

	if !strings.Contains(out, `meetup_signalhub_events_total{event="connections_opened"} 2`) {
		t.Errorf("exposition missing connections_opened counter:\n%s", out)
	}
	if !strings.Contains(out, `meetup_signalhub_events_total{event="messages_relayed"} 1`) {
		t.Errorf("exposition missing messages_relayed counter:\n%s", out)
	}
	if !strings.HasPrefix(out, "# HELP") {
		t.Error("exposition missing HELP header")
	}
}
