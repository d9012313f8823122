package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/scale"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveQueueDepth(3)
	pr.ObserveTask("INSERT INTO Weights (CreatedDate, Data, Samples) VALUES (?, ?, ?)", 2*time.Millisecond, nil)
	pr.ObserveTask("prune", time.Millisecond, errors.New("locked"))
	pr.ObservePoll(50*time.Millisecond, nil)
	pr.ObservePoll(50*time.Millisecond, pkgerrors.Wrap(scale.ErrSensorRead, "3 attempts"))
	pr.ObserveWeight(12.5)
	pr.ObserveCalibration(calibration.State{Gain: calibration.Gain128, Offset: -100, ReferenceUnit: 2})

	assert.Equal(t, float64(3), testutil.ToFloat64(pr.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.taskResults.WithLabelValues("insert", ResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.taskResults.WithLabelValues("prune", ResultFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.pollResults.WithLabelValues(ResultSensorError)))
	assert.Equal(t, 12.5, testutil.ToFloat64(pr.lastWeight))
	assert.Equal(t, float64(-100), testutil.ToFloat64(pr.calibrationOffset))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	rec := httptest.NewRecorder()
	pr.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "weight_tracker_write_queue_depth 3")
}

func TestNilRecorder(t *testing.T) {
	var pr *PrometheusRecorder
	pr.ObserveQueueDepth(1)
	pr.ObserveTask("insert", time.Second, nil)
	pr.ObservePoll(time.Second, nil)
	pr.ObserveWeight(1)
	pr.ObserveCalibration(calibration.DefaultState())
	assert.Nil(t, pr.Registry())
}

func TestOpKind(t *testing.T) {
	tests := map[string]string{
		"prune":                           "prune",
		"  INSERT INTO Weights VALUES ()": "insert",
		"SELECT 1":                        "select",
		"VACUUM":                          "other",
		"":                                "other",
	}
	for op, want := range tests {
		assert.Equal(t, want, OpKind(op), op)
	}
}
