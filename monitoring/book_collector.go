package monitoring

import (
	"sync"

	"github.com/lightninglabs/remate/amount"
	"github.com/lightninglabs/remate/book"
	"github.com/lightninglabs/remate/order"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// bookCollectorName is the name of the MetricGroup for the
	// bookCollector.
	bookCollectorName = "book"

	// bookStartPrice is a gauge of the oracle price locked for the round.
	bookStartPrice = "remate_book_start_price"

	// bookCurrentPrice is a gauge of the clearing price of the current
	// step.
	bookCurrentPrice = "remate_book_current_price"

	// bookCollateralForSale is a gauge of all collateral deposited for
	// the round.
	bookCollateralForSale = "remate_book_collateral_for_sale"

	// bookCollateralAvailable is a gauge of the collateral not sold yet.
	bookCollateralAvailable = "remate_book_collateral_available"

	// bookCurrencyRaised is a gauge of the currency paid by bidders.
	bookCurrencyRaised = "remate_book_currency_raised"

	// bookOrders is a gauge of the number of queued bids per kind.
	bookOrders = "remate_book_orders"

	labelCollateral = "collateral"
	labelOrderKind  = "order_kind"
)

// bookCollector is a collector that exports a snapshot of every book.
type bookCollector struct {
	collectMx sync.Mutex

	cfg *PrometheusConfig

	g gauges
}

// newBookCollector makes a new bookCollector instance.
func newBookCollector(cfg *PrometheusConfig) *bookCollector {
	baseLabels := []string{labelCollateral}

	g := make(gauges)
	g.addGauge(
		bookStartPrice, "oracle price locked for the round",
		baseLabels,
	)
	g.addGauge(
		bookCurrentPrice, "clearing price of the current step",
		baseLabels,
	)
	g.addGauge(
		bookCollateralForSale, "collateral deposited for the round",
		baseLabels,
	)
	g.addGauge(
		bookCollateralAvailable, "collateral not sold yet",
		baseLabels,
	)
	g.addGauge(
		bookCurrencyRaised, "currency paid by bidders this round",
		baseLabels,
	)
	g.addGauge(
		bookOrders, "number of queued bids",
		[]string{labelCollateral, labelOrderKind},
	)

	return &bookCollector{
		cfg: cfg,
		g:   g,
	}
}

// Name is the name of the metric group. When exported to prometheus, it's
// expected that all metric under this group have the same prefix.
//
// NOTE: Part of the MetricGroup interface.
func (c *bookCollector) Name() string {
	return bookCollectorName
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once the
// last descriptor has been sent.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *bookCollector) Describe(ch chan<- *prometheus.Desc) {
	c.collectMx.Lock()
	defer c.collectMx.Unlock()

	c.g.describe(ch)
}

// Collect is called by the Prometheus registry when collecting metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *bookCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectMx.Lock()
	defer c.collectMx.Unlock()

	// Books are snapshots, a brand that disappeared must not keep its
	// last values.
	c.g.reset()

	if c.cfg.BookStatuses == nil {
		return
	}

	for _, status := range c.cfg.BookStatuses() {
		c.observeBook(status)
	}

	c.g.collect(ch)
}

// observeBook adds all metrics of a single book to our gauges.
func (c *bookCollector) observeBook(s *book.Status) {
	labels := prometheus.Labels{
		labelCollateral: string(s.Collateral),
	}

	// Prices are only exported while they're set, so a missing series
	// means no round is running.
	if s.StartPrice != nil {
		c.g[bookStartPrice].With(labels).Set(ratioFloat(*s.StartPrice))
	}
	if s.CurrentPrice != nil {
		c.g[bookCurrentPrice].With(labels).Set(
			ratioFloat(*s.CurrentPrice),
		)
	}

	c.g[bookCollateralForSale].With(labels).Set(
		float64(s.StartCollateral.Value),
	)
	c.g[bookCollateralAvailable].With(labels).Set(
		float64(s.CollateralAvailable.Value),
	)
	c.g[bookCurrencyRaised].With(labels).Set(
		float64(s.CurrencyRaised.Value),
	)

	c.g[bookOrders].With(prometheus.Labels{
		labelCollateral: string(s.Collateral),
		labelOrderKind:  order.KindPrice.String(),
	}).Set(float64(s.PriceOrders))
	c.g[bookOrders].With(prometheus.Labels{
		labelCollateral: string(s.Collateral),
		labelOrderKind:  order.KindScaled.String(),
	}).Set(float64(s.ScaledOrders))
}

// ratioFloat converts a price to a float. Precision loss is acceptable for
// graphs.
func ratioFloat(r amount.Ratio) float64 {
	f, _ := r.Decimal().Float64()
	return f
}

// RegisterMetricFuncs signals to the underlying hybrid collector that it
// should register all metrics that it aims to export with the given registry.
//
// NOTE: Part of the MetricGroup interface.
func (c *bookCollector) RegisterMetricFuncs(
	registry prometheus.Registerer) error {

	return registry.Register(c)
}

// A compile time flag to ensure the bookCollector satisfies the MetricGroup
// interface.
var _ MetricGroup = (*bookCollector)(nil)

func init() {
	metricsMtx.Lock()
	metricGroups[bookCollectorName] = func(cfg *PrometheusConfig) (
		MetricGroup, error) {

		return newBookCollector(cfg), nil
	}
	metricsMtx.Unlock()
}
