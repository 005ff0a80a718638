// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/wiremesh/session"
)

const namespace = "wiremesh"

// metricsSources are the daemon values read at scrape time.
type metricsSources struct {
	Snapshots      func() []session.Snapshot
	SignalingStats func() (authentication, decode uint64)
	EventsDropped  func() uint64
}

// metrics exports session activity to Prometheus. Counters are fed
// from the session event stream; gauges are read from snapshots when
// scraped.
type metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	pathChanges *prometheus.CounterVec
	problems    *prometheus.CounterVec
	missed      prometheus.Counter
	pathRTT     prometheus.Histogram
}

func newMetrics(sources metricsSources) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		pathChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_path_changes_total",
			Help:      "Active path selections by reachability and splice strategy.",
		}, []string{"reachability", "strategy"}),
		problems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_problems_total",
			Help:      "Failures reported by sessions, by event type.",
		}, []string{"type"}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_missed_total",
			Help:      "Keepalive checks on an active path that got no answer.",
		}),
		pathRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "active_path_rtt_seconds",
			Help:      "Round-trip time of each newly selected active path.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.pathChanges, m.problems, m.missed, m.pathRTT,
		&sessionCollector{snapshots: sources.Snapshots},
	)
	if sources.SignalingStats != nil {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signaling_authentication_failures_total",
				Help:      "Envelopes dropped because they failed authentication.",
			}, func() float64 {
				authentication, _ := sources.SignalingStats()
				return float64(authentication)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signaling_decode_failures_total",
				Help:      "Authenticated envelopes dropped because the message was malformed.",
			}, func() float64 {
				_, decode := sources.SignalingStats()
				return float64(decode)
			}),
		)
	}
	if sources.EventsDropped != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Session events a slow subscriber missed.",
		}, func() float64 { return float64(sources.EventsDropped()) }))
	}
	return m
}

// observe accounts for one session event.
func (m *metrics) observe(event session.Event) {
	switch event.Type {
	case session.EventStateChanged:
		m.transitions.WithLabelValues(event.From.String(), event.To.String()).Inc()
	case session.EventActivePathChanged:
		if event.Path == nil {
			return
		}
		strategy := event.Path.Strategy
		if strategy == "" {
			strategy = "none"
		}
		m.pathChanges.WithLabelValues(event.Path.Reachability, strategy).Inc()
		m.pathRTT.Observe(event.Path.RTT.Seconds())
	case session.EventKeepaliveMissed:
		m.missed.Inc()
	case session.EventDiscoveryDegraded, session.EventDataPathUnavailable, session.EventConnectivityFailed:
		m.problems.WithLabelValues(string(event.Type)).Inc()
	}
}

// consume feeds events into the metrics until ctx ends.
func (m *metrics) consume(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			m.observe(event)
		}
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// sessionCollector reports session counts by state and how many
// connected sessions carry tunnel traffic.
type sessionCollector struct {
	snapshots func() []session.Snapshot
}

var (
	sessionsDesc = prometheus.NewDesc(namespace+"_sessions", "Sessions by state.", []string{"state"}, nil)
	usableDesc   = prometheus.NewDesc(namespace+"_sessions_usable", "Sessions whose active path is spliced into the tunnel.", nil, nil)
	restartsDesc = prometheus.NewDesc(namespace+"_session_restarts", "Restarts of current sessions.", nil, nil)
)

func (c *sessionCollector) Describe(descriptors chan<- *prometheus.Desc) {
	descriptors <- sessionsDesc
	descriptors <- usableDesc
	descriptors <- restartsDesc
}

func (c *sessionCollector) Collect(collected chan<- prometheus.Metric) {
	counts := make(map[string]int)
	usable, restarts := 0, 0
	for _, snapshot := range c.snapshots() {
		counts[snapshot.State]++
		if snapshot.Usable {
			usable++
		}
		restarts += snapshot.Restarts
	}
	for state := session.StateIdle; state <= session.StateClosed; state++ {
		name := state.String()
		collected <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(counts[name]), name)
	}
	collected <- prometheus.MustNewConstMetric(usableDesc, prometheus.GaugeValue, float64(usable))
	collected <- prometheus.MustNewConstMetric(restartsDesc, prometheus.GaugeValue, float64(restarts))
}
