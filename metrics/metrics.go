// Package metrics exports data object save statistics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/maruel/jsdo/jsdo"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resourceLabel = "resource"
	tableLabel    = "table"
	kindLabel     = "kind"
	resultLabel   = "result"
	modeLabel     = "mode"
)

var _ jsdo.Observer = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)

// Collector is a jsdo.Observer and a prometheus.Collector. Register it once
// and share it between data objects through jsdo.Options.Observer.
type Collector struct {
	rows         *prometheus.CounterVec
	rowDuration  *prometheus.HistogramVec
	saves        *prometheus.CounterVec
	saveDuration *prometheus.HistogramVec
	rejected     *prometheus.CounterVec
}

// New creates a collector. labels are added to every metric.
func New(labels prometheus.Labels) *Collector {
	return &Collector{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "jsdo_rows_total",
			Help:        "Rows sent to the data service, by operation kind and result",
			ConstLabels: labels,
		}, []string{resourceLabel, tableLabel, kindLabel, resultLabel}),
		rowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "jsdo_row_duration_seconds",
			Help:        "Latency of the request carrying a row",
			ConstLabels: labels,
			Buckets:     []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{resourceLabel, kindLabel}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "jsdo_saves_total",
			Help:        "Completed saves, by mode and result",
			ConstLabels: labels,
		}, []string{resourceLabel, modeLabel, resultLabel}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "jsdo_save_duration_seconds",
			Help:        "Duration of a whole save",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{resourceLabel, modeLabel}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "jsdo_rejected_rows_total",
			Help:        "Rows rejected by the server or the transport, by HTTP status (0 when the server answered)",
			ConstLabels: labels,
		}, []string{resourceLabel, tableLabel, "status"}),
	}
}

// ObserveOperation implements jsdo.Observer.
func (c *Collector) ObserveOperation(resource, table string, kind jsdo.ChangeKind, success bool, elapsed time.Duration) {
	c.rows.WithLabelValues(resource, table, kind.String(), result(success)).Inc()
	c.rowDuration.WithLabelValues(resource, kind.String()).Observe(elapsed.Seconds())
}

// ObserveSave implements jsdo.Observer.
func (c *Collector) ObserveSave(resource string, res *jsdo.SaveResult, elapsed time.Duration) {
	mode := "crud"
	if res.Submit {
		mode = "submit"
	}
	c.saves.WithLabelValues(resource, mode, result(res.Success())).Inc()
	c.saveDuration.WithLabelValues(resource, mode).Observe(elapsed.Seconds())
	for _, e := range res.Errors {
		c.rejected.WithLabelValues(resource, e.Table, strconv.Itoa(e.Status)).Inc()
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.rows.Describe(ch)
	c.rowDuration.Describe(ch)
	c.saves.Describe(ch)
	c.saveDuration.Describe(ch)
	c.rejected.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.rows.Collect(ch)
	c.rowDuration.Collect(ch)
	c.saves.Collect(ch)
	c.saveDuration.Collect(ch)
	c.rejected.Collect(ch)
}

func result(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}
