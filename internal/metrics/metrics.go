// Package metrics exposes prometheus collectors for the transfer engine.
// Collectors live on a private registry; the CLI dumps them in text
// exposition format after a run. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/rescale/shardlink/internal/events"
)

const namespace = "shardlink"

// Metrics holds all transfer metrics.
type Metrics struct {
	registry *prometheus.Registry

	bridgeRequests        *prometheus.CounterVec
	bridgeRequestDuration *prometheus.HistogramVec
	retries               *prometheus.CounterVec
	chunkRetries          prometheus.Counter
	transferBytes         *prometheus.CounterVec
	transfers             *prometheus.CounterVec
	legacyFallbacks       prometheus.Counter
	chunksInFlight        prometheus.Gauge
	droppedEvents         prometheus.GaugeFunc
}

// New creates metrics on a fresh private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates metrics registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		bridgeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_requests_total",
				Help:      "Bridge API requests by endpoint and status code",
			},
			[]string{"endpoint", "code"},
		),
		bridgeRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bridge_request_duration_seconds",
				Help:      "Bridge API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried requests by classification",
			},
			[]string{"reason"},
		),
		chunkRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_chunk_retries_total",
				Help:      "Download chunk tasks requeued after a failure",
			},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Committed transfer bytes by direction",
			},
			[]string{"direction"},
		),
		transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Finished transfers by direction and result",
			},
			[]string{"direction", "result"},
		),
		legacyFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "legacy_fallbacks_total",
				Help:      "Downloads served by the legacy mirror protocol",
			},
		),
		chunksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "download_chunks_in_flight",
				Help:      "Download chunk tasks currently being fetched",
			},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBridgeRequest records one bridge API call. code is 0 for transport errors.
func (m *Metrics) RecordBridgeRequest(endpoint string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.bridgeRequests.WithLabelValues(endpoint, label).Inc()
	m.bridgeRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetry counts a retried request.
func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

// RecordChunkRetry counts a requeued download chunk.
func (m *Metrics) RecordChunkRetry() {
	if m == nil {
		return
	}
	m.chunkRetries.Inc()
}

// ChunkStarted marks a chunk fetch as in flight.
func (m *Metrics) ChunkStarted() {
	if m == nil {
		return
	}
	m.chunksInFlight.Inc()
}

// ChunkFinished balances ChunkStarted.
func (m *Metrics) ChunkFinished() {
	if m == nil {
		return
	}
	m.chunksInFlight.Dec()
}

// RecordBytes adds committed bytes for a direction.
func (m *Metrics) RecordBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordTransfer counts a finished transfer.
func (m *Metrics) RecordTransfer(direction, result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(direction, result).Inc()
}

// RecordLegacyFallback counts a download that switched to the legacy protocol.
func (m *Metrics) RecordLegacyFallback() {
	if m == nil {
		return
	}
	m.legacyFallbacks.Inc()
}

// WatchEventBus exposes the bus's dropped-event count as a gauge.
func (m *Metrics) WatchEventBus(bus *events.EventBus) {
	if m == nil || m.droppedEvents != nil {
		return
	}
	m.droppedEvents = promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_events",
			Help:      "Transfer events dropped because a subscriber fell behind",
		},
		func() float64 { return float64(bus.DroppedEvents()) },
	)
}

// Consume records transfer lifecycle events until ch is closed.
// Byte counters advance by the delta between progress events of a task.
func (m *Metrics) Consume(ch <-chan events.Event) {
	last := make(map[string]int64)
	for ev := range ch {
		switch e := ev.(type) {
		case *events.TransferEvent:
			switch e.Type() {
			case events.EventTransferProgress, events.EventTransferCompleted:
				if e.Bytes > last[e.TaskID] {
					m.RecordBytes(e.Direction, e.Bytes-last[e.TaskID])
					last[e.TaskID] = e.Bytes
				}
				if e.Type() == events.EventTransferCompleted {
					m.RecordTransfer(e.Direction, "success")
					delete(last, e.TaskID)
				}
			case events.EventTransferFailed:
				m.RecordTransfer(e.Direction, "failure")
				delete(last, e.TaskID)
			case events.EventTransferCancelled:
				m.RecordTransfer(e.Direction, "cancelled")
				delete(last, e.TaskID)
			case events.EventTransferFallback:
				m.RecordLegacyFallback()
			}
		case *events.RetryEvent:
			m.RecordRetry(e.Reason)
		}
	}
}

// WriteText writes every collected metric family in text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextFile writes the metrics to path atomically, for node_exporter's
// textfile collector.
func (m *Metrics) WriteTextFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.WriteText(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
