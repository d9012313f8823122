package metrics

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/scale"
	"github.com/weight-tracker/weight-tracker/pkg/storage"
)

const namespace = "weight_tracker"

// Result labels.
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultSensorError = "sensor_error"
)

// PrometheusRecorder observes the write queue, the poller and the
// calibration. A nil recorder is valid and records nothing.
type PrometheusRecorder struct {
	once              sync.Once
	reg               *prom.Registry
	queueDepth        prom.Gauge
	taskResults       *prom.CounterVec
	taskDuration      *prom.HistogramVec
	pollResults       *prom.CounterVec
	pollDuration      prom.Histogram
	lastWeight        prom.Gauge
	calibrationOffset prom.Gauge
	referenceUnit     prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metrics on reg, or on
// a fresh registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.once.Do(func() {
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_depth",
			Help:      "Tasks waiting in the write queue",
		})
		pr.taskResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "write_tasks_total",
			Help:      "Write queue tasks by kind and outcome",
		}, []string{"op", "result"})
		pr.taskDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "write_task_duration_seconds",
			Help:      "Duration of write queue tasks",
			Buckets:   prom.DefBuckets,
		}, []string{"op"})
		pr.pollResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Sensor polls by outcome",
		}, []string{"result"})
		pr.pollDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one sensor poll including the median read",
			Buckets:   prom.DefBuckets,
		})
		pr.lastWeight = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "weight",
			Help:      "Last calibrated weight recorded by the poller",
		})
		pr.calibrationOffset = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_offset",
			Help:      "Tare offset in raw counts",
		})
		pr.referenceUnit = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_reference_unit",
			Help:      "Raw counts per unit of weight",
		})
		reg.MustRegister(pr.queueDepth, pr.taskResults, pr.taskDuration, pr.pollResults, pr.pollDuration,
			pr.lastWeight, pr.calibrationOffset, pr.referenceUnit)
		reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	})
	return pr
}

// Handler serves the registry in the exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the registry the metrics are registered on.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	if p == nil {
		return nil
	}
	return p.reg
}

func (p *PrometheusRecorder) ObserveQueueDepth(depth int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}

func (p *PrometheusRecorder) ObserveTask(op string, d time.Duration, err error) {
	if p == nil || p.taskResults == nil {
		return
	}
	kind := OpKind(op)
	res := ResultSuccess
	if err != nil {
		res = ResultFailed
	}
	p.taskResults.WithLabelValues(kind, res).Inc()
	p.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObservePoll(d time.Duration, err error) {
	if p == nil || p.pollResults == nil {
		return
	}
	res := ResultSuccess
	switch {
	case errors.Is(err, scale.ErrSensorRead):
		res = ResultSensorError
	case err != nil:
		res = ResultFailed
	}
	p.pollResults.WithLabelValues(res).Inc()
	p.pollDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveWeight(weight float64) {
	if p == nil || p.lastWeight == nil {
		return
	}
	p.lastWeight.Set(weight)
}

func (p *PrometheusRecorder) ObserveCalibration(st calibration.State) {
	if p == nil || p.calibrationOffset == nil {
		return
	}
	p.calibrationOffset.Set(float64(st.Offset))
	p.referenceUnit.Set(st.ReferenceUnit)
}

// OpKind reduces a task op to a low-cardinality label: the named command or
// the lower-cased SQL verb.
func OpKind(op string) string {
	if op == storage.CommandPrune {
		return op
	}
	head, _, _ := strings.Cut(strings.TrimSpace(op), " ")
	switch v := strings.ToLower(head); v {
	case "insert", "update", "delete", "select", "with", "pragma", "create":
		return v
	}
	return "other"
}
