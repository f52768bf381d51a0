package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/eta"
	"fleettrack/internal/notify"
)

type Collector struct {
	reg *prometheus.Registry

	SamplesAccepted prometheus.Counter
	SamplesRejected *prometheus.CounterVec // reason

	ETAComputations *prometheus.CounterVec   // provider, result: ok|unavailable
	ProviderLatency *prometheus.HistogramVec // provider

	AlertsRaised     *prometheus.CounterVec // kind, severity
	AlertsSuppressed *prometheus.CounterVec // kind
	Notifications    *prometheus.CounterVec // channel, result: delivered|failed

	AssignmentConflicts *prometheus.CounterVec // policy

	LiveMarkers         prometheus.Gauge
	UnavailableVehicles prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_samples_accepted_total",
			Help: "Position samples accepted by ingest.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_samples_rejected_total",
			Help: "Position reports rejected by ingest.",
		}, []string{"reason"}),
		ETAComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_eta_computations_total",
			Help: "Route provider calls made for ETA estimation.",
		}, []string{"provider", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleettrack_route_provider_duration_seconds",
			Help:    "Latency of route provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"provider"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_alerts_raised_total",
			Help: "Alert records created.",
		}, []string{"kind", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_alerts_suppressed_total",
			Help: "Triggers that repeated an open alert and raised nothing.",
		}, []string{"kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_notifications_total",
			Help: "Notification delivery attempts.",
		}, []string{"channel", "result"}),
		AssignmentConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleettrack_assignment_conflicts_total",
			Help: "Overlapping assignments detected on write.",
		}, []string{"policy"}),
		LiveMarkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_live_markers",
			Help: "Vehicle markers currently on the live map.",
		}),
		UnavailableVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_vehicles_tracking_unavailable",
			Help: "Vehicles without a recent valid position.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleettrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleettrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleettrack_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.SamplesAccepted, c.SamplesRejected,
		c.ETAComputations, c.ProviderLatency,
		c.AlertsRaised, c.AlertsSuppressed, c.Notifications,
		c.AssignmentConflicts,
		c.LiveMarkers, c.UnavailableVehicles,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}

// ObserveSample counts ingest outcomes; reason is empty for accepted samples.
func (c *Collector) ObserveSample(reason string) {
	if reason == "" {
		c.SamplesAccepted.Inc()
		return
	}
	c.SamplesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveEstimate(provider string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "unavailable"
	}
	c.ETAComputations.WithLabelValues(provider, result).Inc()
	c.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) ObserveAlertRaised(kind, severity string) {
	c.AlertsRaised.WithLabelValues(kind, severity).Inc()
}

func (c *Collector) ObserveAlertSuppressed(kind string) {
	c.AlertsSuppressed.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveNotification(ch notify.Channel, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	c.Notifications.WithLabelValues(string(ch), result).Inc()
}

func (c *Collector) ObserveConflicts(policy string, n int) {
	c.AssignmentConflicts.WithLabelValues(policy).Add(float64(n))
}

func (c *Collector) ObserveMarkers(n int) { c.LiveMarkers.Set(float64(n)) }

func (c *Collector) ObserveUnavailable(n int) { c.UnavailableVehicles.Set(float64(n)) }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

var _ eta.Observer = (*Collector)(nil)
