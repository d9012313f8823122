package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/config"
	"github.com/weight-tracker/weight-tracker/pkg/loadcell"
	"github.com/weight-tracker/weight-tracker/pkg/queue"
	"github.com/weight-tracker/weight-tracker/pkg/scale"
	"github.com/weight-tracker/weight-tracker/pkg/storage"
	"github.com/weight-tracker/weight-tracker/pkg/types"
	"github.com/weight-tracker/weight-tracker/pkg/utils/ptr"
)

func newTestApp(t *testing.T, mutate func(*config.RawFileConfig)) *App {
	t.Helper()

	dir := t.TempDir()
	raw := &config.RawFileConfig{
		DataDir:       ptr.To(dir),
		MedianSamples: ptr.To(3),
		LEDPin:        ptr.To(""),
		MockSensor:    ptr.To(true),
	}
	if mutate != nil {
		mutate(raw)
	}
	conf := config.NewFileFromConfig(raw, filepath.Join(dir, "weight-tracker.json"))

	a, err := New(conf, Options{Sensor: loadcell.NewMock(1000, 0)})
	require.NoError(t, err)
	a.queue.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Shutdown(ctx))
	})
	return a
}

func perform(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestWeightAndCalibrationFlow(t *testing.T) {
	a := newTestApp(t, nil)
	h := a.Handler()

	w := perform(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1000), decode[types.Reading](t, w).Weight)

	w = perform(t, h, http.MethodPut, "/tare", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, int64(1000), decode[types.TareResult](t, w).Offset)
	assert.Equal(t, float64(0), decode[types.Reading](t, perform(t, h, http.MethodGet, "/", nil)).Weight)

	w = perform(t, h, http.MethodPatch, "/tare", `{"offset": 500.4}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, int64(500), decode[types.TareResult](t, w).Offset)

	w = perform(t, h, http.MethodGet, "/tare", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tared-weight": 500`)

	w = perform(t, h, http.MethodPut, "/calibrate", types.CalibrateRequest{KnownWeight: 250})
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[types.CalibrateResult](t, w)
	assert.Equal(t, float64(2), res.ReferenceUnit)
	assert.Equal(t, float64(250), decode[types.Reading](t, perform(t, h, http.MethodGet, "/", nil)).Weight)

	st := decode[calibration.State](t, perform(t, h, http.MethodGet, "/calibrate", nil))
	assert.Equal(t, calibration.State{Gain: calibration.DefaultGain, Offset: 500, ReferenceUnit: 2}, st)

	w = perform(t, h, http.MethodGet, "/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[calibration.State](t, w)
	assert.Equal(t, int64(0), st.Offset)
	assert.Equal(t, float64(2), st.ReferenceUnit)

	assert.Equal(t, http.StatusOK, perform(t, h, http.MethodGet, "/save", nil).Code)

	// Restore reads back what is on disk.
	w = perform(t, h, http.MethodGet, "/restore", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, st, decode[calibration.State](t, w))
}

func TestBadRequests(t *testing.T) {
	a := newTestApp(t, nil)
	h := a.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"manual tare without offset", http.MethodPatch, "/tare", `{}`},
		{"manual tare with garbage", http.MethodPatch, "/tare", `{"offset": "heavy"}`},
		{"calibrate with zero", http.MethodPut, "/calibrate", `{"known_weight": 0}`},
		{"calibrate without body", http.MethodPut, "/calibrate", ``},
		{"range without start", http.MethodPost, "/", `{}`},
		{"range ending before start", http.MethodPost, "/", `{"timestart": "2024-01-02T00:00:00Z", "timeend": "2024-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var msg string
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
			assert.NotEmpty(t, msg)
		})
	}

	// Rejected requests leave the calibration untouched.
	assert.Equal(t, calibration.DefaultState(), a.device.State())
}

func TestRangeQuery(t *testing.T) {
	a := newTestApp(t, nil)
	h := a.Handler()

	start := time.Now().Add(-time.Minute)
	a.poller.Tick()
	a.poller.Tick()

	w := perform(t, h, http.MethodPost, "/", types.RangeQuery{TimeStart: start, Consistent: true})
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[types.RangeResult](t, w)
	require.Len(t, got.Weights, 2)
	assert.Equal(t, float64(1000), got.Weights[0].Weight)
	assert.Equal(t, 3, got.Weights[0].Samples)
	assert.Less(t, got.Weights[0].ID, got.Weights[1].ID)

	// The consistent query above ran after both inserts, so the read-only
	// handle sees them too.
	w = perform(t, h, http.MethodPost, "/", types.RangeQuery{TimeStart: start})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[types.RangeResult](t, w).Weights, 2)

	w = perform(t, h, http.MethodPost, "/", types.RangeQuery{TimeStart: start, TimeEnd: start.Add(time.Second)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[types.RangeResult](t, w).Weights)
}

func TestRoutePrefix(t *testing.T) {
	a := newTestApp(t, func(c *config.RawFileConfig) { c.RoutePrefix = ptr.To("/TIG/") })
	h := a.Handler()

	assert.Equal(t, http.StatusOK, perform(t, h, http.MethodGet, "/TIG/", nil).Code)
	assert.Equal(t, http.StatusOK, perform(t, h, http.MethodGet, "/TIG/tare", nil).Code)
	assert.Equal(t, http.StatusNotFound, perform(t, h, http.MethodGet, "/tare", nil).Code)
}

func TestInfoEndpoints(t *testing.T) {
	a := newTestApp(t, func(c *config.RawFileConfig) { c.DeviceName = ptr.To("weight_tracker.TIG") })
	h := a.Handler()

	a.poller.Tick()

	w := perform(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[types.Status](t, w)
	assert.Equal(t, "weight_tracker.TIG", st.Device)
	assert.Equal(t, calibration.PhaseReady, st.Calibration.Phase)
	assert.Equal(t, 3, st.Calibration.MedianSamples)
	assert.Equal(t, uint64(1), st.Poller.Succeeded)

	w = perform(t, h, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	c := decode[config.RawFileConfig](t, w)
	require.NotNil(t, c.DeviceName)
	assert.Equal(t, "weight_tracker.TIG", *c.DeviceName)
	require.NotNil(t, c.PollIntervalSeconds)
	assert.Equal(t, 2, *c.PollIntervalSeconds)

	w = perform(t, h, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[string](t, w))

	w = perform(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "weight_tracker_polls_total")
	assert.Contains(t, w.Body.String(), "weight_tracker_calibration_reference_unit")
}

func TestEventStream(t *testing.T) {
	a := newTestApp(t, nil)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return a.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	a.poller.Tick()
	_, err = a.device.Tare(ptr.To(42.0))
	require.NoError(t, err)

	var names []string
	var data []string
	sc := bufio.NewScanner(resp.Body)
	for len(data) < 2 && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			names = append(names, strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line, "data:"))
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"weight.sample", "calibration.changed"}, names)
	assert.Contains(t, data[0], `"weight":1000`)
	assert.Contains(t, data[1], `"offset":42`)
}

func TestReload(t *testing.T) {
	a := newTestApp(t, nil)
	assert.Zero(t, a.retentionJob)

	raw := a.conf.Effective()
	raw.PollIntervalSeconds = ptr.To(5)
	raw.RetentionDays = ptr.To(7)
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.conf.Path(), b, 0o644))

	require.NoError(t, a.Reload())
	assert.Equal(t, "5s", a.poller.Stats().Interval)
	assert.NotZero(t, a.retentionJob)

	raw.RetentionDays = ptr.To(0)
	b, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.conf.Path(), b, 0o644))

	require.NoError(t, a.Reload())
	assert.Zero(t, a.retentionJob)

	require.NoError(t, os.WriteFile(a.conf.Path(), []byte(`{"medianSamples": 4}`), 0o644))
	assert.Error(t, a.Reload())
	assert.Equal(t, "5s", a.poller.Stats().Interval)
}

func TestReloadTogglesDebug(t *testing.T) {
	orig := logrus.GetLevel()
	logrus.SetLevel(logrus.InfoLevel)
	t.Cleanup(func() { logrus.SetLevel(orig) })

	a := newTestApp(t, func(c *config.RawFileConfig) { c.Debug = ptr.To(true) })
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	write := func(debug bool) {
		raw := a.conf.Effective()
		raw.Debug = ptr.To(debug)
		b, err := json.Marshal(raw)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(a.conf.Path(), b, 0o644))
	}

	write(false)
	require.NoError(t, a.Reload())
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())

	write(true)
	require.NoError(t, a.Reload())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestPrune(t *testing.T) {
	a := newTestApp(t, func(c *config.RawFileConfig) { c.RetentionDays = ptr.To(1) })
	assert.NotZero(t, a.retentionJob)

	ctx := t.Context()
	old := types.WeightRecord{Timestamp: time.Now().AddDate(0, 0, -2).UnixNano(), Weight: 1, Samples: 3}
	fresh := types.WeightRecord{Timestamp: time.Now().UnixNano(), Weight: 2, Samples: 3}
	for _, rec := range []types.WeightRecord{old, fresh} {
		_, err := a.queue.Do(ctx, storage.InsertWeightTask(rec))
		require.NoError(t, err)
	}

	a.prune()

	res, err := a.queue.Do(ctx, storage.RangeTask(time.Unix(0, 0), time.Now()))
	require.NoError(t, err)
	weights, err := storage.WeightsFromResult(res)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, float64(2), weights[0].Weight)
}

func TestShutdownRejectsWrites(t *testing.T) {
	a := newTestApp(t, nil)
	h := a.Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.queue.Close(ctx))

	w := perform(t, h, http.MethodPost, "/", types.RangeQuery{TimeStart: time.Now().Add(-time.Hour), Consistent: true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", scale.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("sample 1/3: %w", scale.ErrSensorRead), http.StatusServiceUnavailable},
		{scale.ErrNotInitialized, http.StatusServiceUnavailable},
		{queue.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", scale.ErrPersist, errors.New("disk full")), http.StatusInternalServerError},
		{errors.New("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestListen(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "weight-tracker.sock")
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	l, err := listen(sock)
	require.NoError(t, err)
	assert.Equal(t, "unix", l.Addr().Network())
	require.NoError(t, l.Close())

	l, err = listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, "tcp", l.Addr().Network())
	require.NoError(t, l.Close())
}
