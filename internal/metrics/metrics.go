// Package metrics is a minimal, concurrency-safe counter registry with a
// Prometheus text-exposition endpoint. It keeps the hub's hot paths free of
// any metrics-backend dependency while still being scrapeable.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Counter names incremented by the hub.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	Registrations     = "registrations"
	EventsDispatched  = "events_dispatched"
	EventsDropped     = "events_dropped"
	MessagesRelayed   = "messages_relayed"
	CallsInitiated    = "calls_initiated"
	CallsAccepted     = "calls_accepted"
	CallsEnded        = "calls_ended"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}

// Handler exposes the registry in Prometheus' text exposition format as a
// single counter with an `event` label.
func Handler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP meetup_signalhub_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE meetup_signalhub_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "meetup_signalhub_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}
	})
}
