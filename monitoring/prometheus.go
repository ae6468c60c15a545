package monitoring

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/lightninglabs/remate/book"
	"github.com/lightninglabs/remate/schedule"
	"github.com/lightninglabs/remate/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// stopTimeout is how long we wait for the metrics server to shut
	// down.
	stopTimeout = 5 * time.Second
)

// MetricGroupCreator is a factory method that given the primary prometheus
// config, will create a new MetricGroup that will be managed by the main
// PrometheusExporter.
type MetricGroupCreator func(*PrometheusConfig) (MetricGroup, error)

var (
	// metricGroups is a global variable of all registered metrics
	// projected by the mutex below. All new MetricGroups should add
	// themselves to this map within the init() method of their file.
	metricGroups = make(map[string]MetricGroupCreator)

	// activeGroups is a global map of all active metric groups. This can
	// be used by some of the "static' package level methods to look up the
	// target metric group to export observations.
	activeGroups = make(map[string]MetricGroup)

	metricsMtx sync.Mutex
)

// MetricGroup is the primary interface of this package. The main exporter (in
// this case the PrometheusExporter), will manage these directly, ensuring that
// all MetricGroups are registered before the main prometheus exporter starts
// and any additional tracing is added.
type MetricGroup interface {
	// Name is the name of the metric group. When exported to prometheus,
	// it's expected that all metric under this group have the same prefix.
	Name() string

	// RegisterMetricFuncs signals to the underlying hybrid collector that
	// it should register all metrics that it aims to export with the
	// given registry. Rather than using the series of "MustRegister"
	// directives, implementers of this interface should instead propagate
	// back any errors related to metric registration.
	RegisterMetricFuncs(registry prometheus.Registerer) error
}

// PrometheusConfig is the set of configuration data that specifies if
// Prometheus metric exporting is activated, and if so the listening address of
// the Prometheus server.
type PrometheusConfig struct {
	// Active, if true, then Prometheus metrics will be exported.
	Active bool `long:"active" description:"if true prometheus metrics will be exported"`

	// ListenAddr is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	ListenAddr string `long:"listenaddr" description:"the interface we should listen on for prometheus"`

	// BookStatuses returns a snapshot of every book.
	BookStatuses func() []*book.Status

	// Schedules returns the live and the next round. Either may be nil.
	Schedules func() (live, next *schedule.Schedule)

	// AuctionState returns the current state of the auction.
	AuctionState func() scheduler.AuctionState
}

// PrometheusExporter is a metric exporter that uses Prometheus directly. The
// auction server interacts with this struct in order to export the state of
// all books and the progress of the rounds.
type PrometheusExporter struct {
	config *PrometheusConfig

	registry *prometheus.Registry
	server   *http.Server
}

// NewPrometheusExporter makes a new instance of the PrometheusExporter given
// the config.
func NewPrometheusExporter(cfg *PrometheusConfig) *PrometheusExporter {
	return &PrometheusExporter{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
}

// Start registers all relevant metrics with the Prometheus library, then
// launches the HTTP server that Prometheus will hit to scrape our metrics.
func (p *PrometheusExporter) Start() error {
	// If we're not active, then there's nothing more to do.
	if !p.config.Active {
		return nil
	}

	// Next, we'll attempt to register all our metrics. If we fail to
	// register ANY metric, then we'll fail all together.
	if err := p.registerMetrics(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		p.registry, promhttp.HandlerOpts{},
	))
	p.server = &http.Server{
		Addr:    p.config.ListenAddr,
		Handler: mux,
	}

	// Finally, we'll launch the HTTP server that Prometheus will use to
	// scape our metrics.
	go func() {
		log.Infof("Prometheus exporter listening on %v",
			p.config.ListenAddr)

		err := p.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics server and deactivates all metric groups.
func (p *PrometheusExporter) Stop() error {
	metricsMtx.Lock()
	for name := range activeGroups {
		delete(activeGroups, name)
	}
	metricsMtx.Unlock()

	if p.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	return p.server.Shutdown(ctx)
}

// registerMetrics iterates through all the registered metric groups and
// attempts to register each one. If any of the MetricGroups fail to register,
// then an error will be returned.
func (p *PrometheusExporter) registerMetrics() error {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()

	for _, metricGroupFunc := range metricGroups {
		metricGroup, err := metricGroupFunc(p.config)
		if err != nil {
			return err
		}

		err = metricGroup.RegisterMetricFuncs(p.registry)
		if err != nil {
			return err
		}

		activeGroups[metricGroup.Name()] = metricGroup
	}

	return nil
}

// gauges is a map type that maps a gauge to its unique name.
type gauges map[string]*prometheus.GaugeVec

// addGauge adds a new gauge vector to the map.
func (g gauges) addGauge(name, help string, labels []string) {
	g[name] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

// describe describes all gauges contained in the map to the given channel.
func (g gauges) describe(ch chan<- *prometheus.Desc) {
	for _, gauge := range g {
		gauge.Describe(ch)
	}
}

// collect collects all metrics of the map's gauges to the given channel.
func (g gauges) collect(ch chan<- prometheus.Metric) {
	for _, gauge := range g {
		gauge.Collect(ch)
	}
}

// reset resets all gauges in the map.
func (g gauges) reset() {
	for _, gauge := range g {
		gauge.Reset()
	}
}
