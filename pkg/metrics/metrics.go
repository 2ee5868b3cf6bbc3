// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exposes Prometheus counters and histograms for proxied
// requests and installation token refreshes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "github_app_proxy"

// Request outcomes.
const (
	OutcomeProxied     = "proxied"
	OutcomeError       = "error"
	OutcomeStreamError = "stream_error" // headers sent, body relay failed
	OutcomeHealth      = "health"
)

// Collector owns a private registry so tests and multiple proxies in one
// process do not collide on the default registerer.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	upstreamResponses *prometheus.CounterVec
	refreshesTotal    *prometheus.CounterVec
	refreshDuration   prometheus.Histogram
}

// NewCollector creates and registers all metrics. A nil registry gets a fresh
// one with Go runtime and process collectors attached.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Inbound requests by route and outcome.",
			},
			[]string{"route", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from receiving a request until the response was fully relayed.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		upstreamResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_responses_total",
				Help:      "Upstream responses by route and status class.",
			},
			[]string{"route", "code_class"},
		),
		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Installation token exchanges by result.",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "token_refresh_duration_seconds",
				Help:      "Latency of installation token exchanges.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.upstreamResponses,
		c.refreshesTotal,
		c.refreshDuration,
	)

	return c
}

// RecordRequest counts one inbound request.
func (c *Collector) RecordRequest(route, outcome string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, outcome).Inc()
	if outcome != OutcomeHealth {
		c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
	}
}

// RecordUpstreamStatus counts an upstream response by its status class (2xx, 4xx, ...).
func (c *Collector) RecordUpstreamStatus(route string, status int) {
	c.upstreamResponses.WithLabelValues(route, codeClass(status)).Inc()
}

// ObserveTokenRefresh implements token.RefreshObserver.
func (c *Collector) ObserveTokenRefresh(duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.refreshesTotal.WithLabelValues(result).Inc()
	c.refreshDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func codeClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
