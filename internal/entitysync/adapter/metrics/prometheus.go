package metrics

import (
	"net/http"
	"strconv"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus records the service metrics on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	storeOps      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	published     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	opened        *prometheus.CounterVec
	dropped       *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ usecase.Metrics = (*Prometheus)(nil)

// NewPrometheus creates and registers every collector, plus the Go runtime
// and process collectors.
func NewPrometheus(namespace string) (*Prometheus, error) {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Store operations by operation, collection and result type.",
		}, []string{"op", "collection", "result"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_published_total",
			Help:      "Change events published by collection and kind.",
		}, []string{"collection", "kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_event_deliveries_total",
			Help:      "Listener deliveries by collection and outcome.",
		}, []string{"collection", "outcome"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Live subscriptions by collection.",
		}, []string{"collection"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_opened_total",
			Help:      "Subscriptions opened by collection and mode.",
		}, []string{"collection", "mode"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_dropped_total",
			Help:      "Clients disconnected by the server, by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	for _, c := range []prometheus.Collector{
		p.storeOps, p.storeDuration, p.published, p.deliveries,
		p.subscriptions, p.opened, p.dropped, p.httpRequests, p.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := p.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Registry exposes the registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) ObserveStoreOperation(op, collection string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = string(errors.TypeOf(err))
	}
	p.storeOps.WithLabelValues(op, collection, result).Inc()
	p.storeDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (p *Prometheus) ObservePublish(collection string, kind model.ChangeKind, delivered, failed int) {
	p.published.WithLabelValues(collection, string(kind)).Inc()
	p.deliveries.WithLabelValues(collection, "delivered").Add(float64(delivered))
	p.deliveries.WithLabelValues(collection, "failed").Add(float64(failed))
}

func (p *Prometheus) SubscriptionOpened(collection string, mode model.QueryMode) {
	p.opened.WithLabelValues(collection, string(mode)).Inc()
	if mode.Live() {
		p.subscriptions.WithLabelValues(collection).Inc()
	}
}

func (p *Prometheus) SubscriptionClosed(collection string) {
	p.subscriptions.WithLabelValues(collection).Dec()
}

func (p *Prometheus) ClientDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// FiberHandler serves Handler on a fiber route.
func (p *Prometheus) FiberHandler() fiber.Handler {
	return adaptor.HTTPHandler(p.Handler())
}

// Middleware counts requests by matched route so path parameters do not
// create new series.
func (p *Prometheus) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = errors.HTTPStatus(err)
			}
		}
		p.httpRequests.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		p.httpDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}
