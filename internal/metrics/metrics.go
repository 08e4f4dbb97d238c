package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	messagesReceived     *prometheus.CounterVec
	messagesProcessed    *prometheus.CounterVec
	messagesMalformed    *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	sendFailures         *prometheus.CounterVec
	handlerDuration      *prometheus.HistogramVec
	queueReceiveDuration *prometheus.HistogramVec
	queueSendDuration    *prometheus.HistogramVec
	attemptsRecorded     *prometheus.CounterVec
	escalations          *prometheus.CounterVec
	reschedules          *prometheus.CounterVec
	secondaryFailures    *prometheus.CounterVec
	sideEffectFailures   *prometheus.CounterVec
	activeMessages       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{registry: registry}

	m.messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from queue",
		},
		[]string{"queue", "transport"},
	)

	m.messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of messages by type and disposition",
		},
		[]string{"type", "disposition"}, // disposition: acked, nacked, escalated
	)

	m.messagesMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Total number of messages dropped because the envelope could not be decoded",
		},
		[]string{"reason"},
	)

	m.messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent to queues",
		},
		[]string{"destination_queue", "type"},
	)

	m.sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed queue sends",
		},
		[]string{"destination_queue", "type"},
	)

	m.handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in a message handler",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	m.queueReceiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_receive_duration_seconds",
			Help:      "Time spent receiving message from queue",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"queue", "transport"},
	)

	m.queueSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_send_duration_seconds",
			Help:      "Time spent sending message to queue",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"destination_queue"},
	)

	m.attemptsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_recorded_total",
			Help:      "Total number of retryable failures persisted on work records",
		},
		[]string{"kind"},
	)

	m.escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of escalation notifications fired",
		},
		[]string{"reason"}, // reason: permanent, exhausted, unhandled
	)

	m.reschedules = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reschedules_total",
			Help:      "Total number of messages re-planted with a later wake time",
		},
		[]string{"type", "reason"}, // reason: not_due, pending
	)

	m.secondaryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secondary_failures_total",
			Help:      "Total number of best-effort chained computations that failed",
		},
		[]string{"step"},
	)

	m.sideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Total number of failed notification and analytics calls",
		},
		[]string{"sink"},
	)

	m.activeMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_messages",
			Help:      "Number of messages currently being processed",
		},
	)

	registry.MustRegister(
		m.messagesReceived,
		m.messagesProcessed,
		m.messagesMalformed,
		m.messagesSent,
		m.sendFailures,
		m.handlerDuration,
		m.queueReceiveDuration,
		m.queueSendDuration,
		m.attemptsRecorded,
		m.escalations,
		m.reschedules,
		m.secondaryFailures,
		m.sideEffectFailures,
		m.activeMessages,
	)

	return m
}

func (m *Metrics) RecordMessageReceived(queue, transport string) {
	m.messagesReceived.WithLabelValues(queue, transport).Inc()
}

func (m *Metrics) RecordMessageProcessed(msgType, disposition string) {
	m.messagesProcessed.WithLabelValues(msgType, disposition).Inc()
}

func (m *Metrics) RecordMessageMalformed(reason string) {
	m.messagesMalformed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMessageSent(destinationQueue, msgType string) {
	m.messagesSent.WithLabelValues(destinationQueue, msgType).Inc()
}

func (m *Metrics) RecordSendFailure(destinationQueue, msgType string) {
	m.sendFailures.WithLabelValues(destinationQueue, msgType).Inc()
}

func (m *Metrics) RecordHandlerDuration(msgType string, duration time.Duration) {
	m.handlerDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (m *Metrics) RecordQueueReceiveDuration(queue, transport string, duration time.Duration) {
	m.queueReceiveDuration.WithLabelValues(queue, transport).Observe(duration.Seconds())
}

func (m *Metrics) RecordQueueSendDuration(destinationQueue string, duration time.Duration) {
	m.queueSendDuration.WithLabelValues(destinationQueue).Observe(duration.Seconds())
}

func (m *Metrics) RecordAttempt(kind string) {
	m.attemptsRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordEscalation(reason string) {
	m.escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReschedule(msgType, reason string) {
	m.reschedules.WithLabelValues(msgType, reason).Inc()
}

func (m *Metrics) RecordSecondaryFailure(step string) {
	m.secondaryFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordSideEffectFailure(sink string) {
	m.sideEffectFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementActiveMessages() {
	m.activeMessages.Inc()
}

func (m *Metrics) DecrementActiveMessages() {
	m.activeMessages.Dec()
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server serving /metrics and /health until ctx is done
func (m *Metrics) StartMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting metrics server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}
