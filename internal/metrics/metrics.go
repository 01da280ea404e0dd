// README: Prometheus collectors for the API, dispatcher, simulator and tracking sinks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "status"})
	HTTPRequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parcelnet_http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"route"})

	DispatchBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parcelnet_dispatch_batches_total",
		Help: "Dispatch batch requests accepted",
	})
	DispatchOrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_dispatch_orders_total",
		Help: "Orders handled by dispatch, by outcome (dispatched|queued|rejected)",
	}, []string{"outcome"})
	OverflowQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parcelnet_overflow_queue_length",
		Help: "Orders waiting for an idle courier",
	})
	CouriersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parcelnet_couriers",
		Help: "Couriers in the pool by status",
	}, []string{"status"})

	ActiveTrips = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parcelnet_active_trips",
		Help: "Trips currently being simulated",
	})
	SimulationTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_simulation_ticks_total",
		Help: "Simulation ticks by transport mode",
	}, []string{"mode"})
	PolylineRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_polyline_requests_total",
		Help: "Polyline resolutions by result (provider|fallback)",
	}, []string{"result"})

	TrackingPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_tracking_published_total",
		Help: "Tracking messages delivered by sink",
	}, []string{"sink"})
	TrackingDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_tracking_dropped_total",
		Help: "Tracking messages dropped because a sink buffer was full",
	}, []string{"sink"})
	TrackingErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parcelnet_tracking_errors_total",
		Help: "Tracking sink write failures",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDurationMs)
	prometheus.MustRegister(DispatchBatchesTotal)
	prometheus.MustRegister(DispatchOrdersTotal)
	prometheus.MustRegister(OverflowQueueLength)
	prometheus.MustRegister(CouriersByStatus)
	prometheus.MustRegister(ActiveTrips)
	prometheus.MustRegister(SimulationTicksTotal)
	prometheus.MustRegister(PolylineRequestsTotal)
	prometheus.MustRegister(TrackingPublishedTotal)
	prometheus.MustRegister(TrackingDroppedTotal)
	prometheus.MustRegister(TrackingErrorsTotal)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
