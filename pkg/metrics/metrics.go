// Package metrics exposes the capture pipeline to Prometheus.
package metrics

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teslashibe/go-gesturecam/pkg/pipeline"
)

const namespace = "gesturecam"

// StatsSource provides the pipeline counters read at scrape time.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Metrics holds Prometheus collectors for the pipeline and dashboard.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	displayGauge  prometheus.Gauge
}

// New creates a private registry with collectors reading from src.
// src may be nil when only the HTTP collectors are wanted.
func New(src StatsSource) *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of dashboard HTTP requests",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_errors_total",
		Help:      "Total number of dashboard responses with status >= 400",
	})
	displayGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "display_clients",
		Help:      "Number of connected display websocket clients",
	})
	registry.MustRegister(requestsTotal, errorsTotal, displayGauge)

	if src != nil {
		registry.MustRegister(pipelineCollectors(src)...)
	}

	return &Metrics{
		registry:      registry,
		requestsTotal: requestsTotal,
		errorsTotal:   errorsTotal,
		displayGauge:  displayGauge,
	}
}

func pipelineCollectors(src StatsSource) []prometheus.Collector {
	counter := func(name, help string, labels prometheus.Labels, read func(pipeline.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(read(src.Stats())) })
	}
	gauge := func(name, help string, read func(pipeline.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(src.Stats()) })
	}

	return []prometheus.Collector{
		counter("camera_frames_read_total", "Frames read from the capture device", nil,
			func(s pipeline.Stats) uint64 { return s.Source.FramesRead }),
		counter("camera_read_errors_total", "Failed capture device reads", nil,
			func(s pipeline.Stats) uint64 { return s.Source.ReadErrors }),
		counter("frames_fired_total", "Sampler firings", nil,
			func(s pipeline.Stats) uint64 { return s.Sampler.Fired }),
		counter("frames_skipped_total", "Firings that produced no frame", nil,
			func(s pipeline.Stats) uint64 { return s.Sampler.Skipped }),
		counter("frames_sent_total", "Frames written to the analysis service", nil,
			func(s pipeline.Stats) uint64 { return s.Channel.Sent }),
		counter("frames_dropped_total", "Frames dropped by the channel", prometheus.Labels{"reason": "not_open"},
			func(s pipeline.Stats) uint64 { return s.Channel.DroppedState }),
		counter("frames_dropped_total", "Frames dropped by the channel", prometheus.Labels{"reason": "mailbox_full"},
			func(s pipeline.Stats) uint64 { return s.Channel.DroppedFull }),
		counter("results_received_total", "Result events received", nil,
			func(s pipeline.Stats) uint64 { return s.Channel.Results }),
		counter("results_malformed_total", "Inbound messages discarded as malformed", nil,
			func(s pipeline.Stats) uint64 { return s.Channel.Malformed }),
		counter("channel_reconnects_total", "Lost connections to the analysis service", nil,
			func(s pipeline.Stats) uint64 { return s.Channel.Reconnects }),
		gauge("sampler_in_flight", "Capture pipelines currently running",
			func(s pipeline.Stats) float64 { return float64(s.Sampler.InFlight) }),
		gauge("channel_open", "1 when the link to the analysis service is open",
			func(s pipeline.Stats) float64 {
				if s.Channel.State == "open" {
					return 1
				}
				return 0
			}),
		gauge("camera_playing", "1 when the capture feed is playing",
			func(s pipeline.Stats) float64 {
				if s.Source.Playing {
					return 1
				}
				return 0
			}),
	}
}

// IncRequests increments the request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetDisplayClients sets the display client gauge.
func (m *Metrics) SetDisplayClients(n int) {
	m.displayGauge.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh pushed gauges.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}

// Middleware records request and error counts for a fiber app.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		m.IncRequests()
		if status >= 400 {
			m.IncErrors()
		}
		return err
	}
}
