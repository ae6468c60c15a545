package monitoring

import (
	"github.com/lightninglabs/remate/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// roundCollectorName is the name of the MetricGroup for the
	// roundCollector.
	roundCollectorName = "round"

	// labelRegime is the label naming the distribution rule that was
	// applied at the end of a round.
	labelRegime = "regime"
)

// roundCollector is a collector dedicated to the progress of the rounds. The
// schedule is read on every scrape, everything else is counted as it
// happens.
type roundCollector struct {
	cfg *PrometheusConfig

	auctionState   *prometheus.Desc
	nextStartTime  *prometheus.Desc
	liveEndTime    *prometheus.Desc
	currentRateBps prometheus.Gauge

	priceSteps      prometheus.Counter
	roundsFinalized *prometheus.CounterVec
	offersRejected  *prometheus.CounterVec
}

// newRoundCollector returns a new instance of the round collector.
func newRoundCollector(cfg *PrometheusConfig) *roundCollector {
	return &roundCollector{
		cfg: cfg,

		auctionState: prometheus.NewDesc(
			"remate_auction_active", "1 while a round is running",
			nil, nil,
		),
		nextStartTime: prometheus.NewDesc(
			"remate_next_round_start", "start time of the next round",
			nil, nil,
		),
		liveEndTime: prometheus.NewDesc(
			"remate_live_round_end", "end time of the running round",
			nil, nil,
		),
		currentRateBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remate_current_rate_bps",
			Help: "rate of the current step in basis points",
		}),

		priceSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remate_price_steps",
			Help: "counter incremented with each price step",
		}),
		roundsFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remate_rounds_finalized",
				Help: "counter incremented with each distribution",
			},
			[]string{labelCollateral, labelRegime},
		),
		offersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remate_offers_rejected",
				Help: "counter incremented with each refused offer",
			},
			[]string{labelCollateral},
		),
	}
}

// RegisterMetricFuncs signals to the underlying hybrid collector that it
// should register all metrics that it aims to export with the given registry.
//
// NOTE: Part of the MetricGroup interface.
func (r *roundCollector) RegisterMetricFuncs(
	registry prometheus.Registerer) error {

	// We'll need to manually register our counters, as we don't send
	// them over the Describe channel like the schedule descriptors.
	collectors := []prometheus.Collector{
		r.currentRateBps, r.priceSteps, r.roundsFinalized,
		r.offersRejected,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	return registry.Register(r)
}

// Name is the name of the metric group. When exported to prometheus, it's
// expected that all metric under this group have the same prefix.
//
// NOTE: Part of the MetricGroup interface.
func (r *roundCollector) Name() string {
	return roundCollectorName
}

// Describe sends the super-set of all possible descriptors of metrics
// collected by this Collector to the provided channel and returns once the
// last descriptor has been sent.
//
// NOTE: Part of the prometheus.Collector interface.
func (r *roundCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.auctionState
	ch <- r.nextStartTime
	ch <- r.liveEndTime
}

// Collect is called by the Prometheus registry when collecting metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (r *roundCollector) Collect(ch chan<- prometheus.Metric) {
	if r.cfg.AuctionState != nil {
		var active float64
		if r.cfg.AuctionState() == scheduler.StateActive {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(
			r.auctionState, prometheus.GaugeValue, active,
		)
	}

	if r.cfg.Schedules == nil {
		return
	}

	live, next := r.cfg.Schedules()
	if next != nil {
		ch <- prometheus.MustNewConstMetric(
			r.nextStartTime, prometheus.GaugeValue,
			float64(next.StartTime),
		)
	}
	if live != nil {
		ch <- prometheus.MustNewConstMetric(
			r.liveEndTime, prometheus.GaugeValue,
			float64(live.EndTime),
		)
	}
}

// fetchRoundCollector is a helper function that we'll use to allow those at
// the package level to obtain an active pointer to the current
// roundCollector instance.
func fetchRoundCollector() *roundCollector {
	metricsMtx.Lock()
	defer metricsMtx.Unlock()

	roundGroup, ok := activeGroups[roundCollectorName]
	if !ok {
		return nil
	}

	return roundGroup.(*roundCollector)
}

// ObservePriceStep is called after every price step with the new rate in
// basis points.
func ObservePriceStep(rateBps uint64) {
	r := fetchRoundCollector()
	if r == nil {
		return
	}

	r.priceSteps.Inc()
	r.currentRateBps.Set(float64(rateBps))
}

// ObserveRoundFinalized is called after the proceeds of a book were
// distributed.
func ObserveRoundFinalized(collateral, regime string) {
	r := fetchRoundCollector()
	if r == nil {
		return
	}

	r.roundsFinalized.With(prometheus.Labels{
		labelCollateral: collateral,
		labelRegime:     regime,
	}).Inc()
}

// ObserveOfferRejected is called for every refused bid or deposit.
func ObserveOfferRejected(collateral string) {
	r := fetchRoundCollector()
	if r == nil {
		return
	}

	r.offersRejected.With(prometheus.Labels{
		labelCollateral: collateral,
	}).Inc()
}

// A compile time flag to ensure the roundCollector satisfies the MetricGroup
// interface.
var _ MetricGroup = (*roundCollector)(nil)

func init() {
	metricsMtx.Lock()
	metricGroups[roundCollectorName] = func(cfg *PrometheusConfig) (
		MetricGroup, error) {

		return newRoundCollector(cfg), nil
	}
	metricsMtx.Unlock()
}
