package scale

import (
	"errors"
	"math"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
)

// fakeSampler replays a script of readings. A nil entry in errs at the
// same position makes that read fail.
type fakeSampler struct {
	mu     sync.Mutex
	values []int64
	errs   []error
	pos    int
	gain   calibration.Gain
}

func constant(v int64) *fakeSampler { return &fakeSampler{values: []int64{v}} }

func (f *fakeSampler) ReadRaw() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.pos
	f.pos++
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	return f.values[i%len(f.values)], nil
}

func (f *fakeSampler) SetGain(g calibration.Gain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gain = g
	return nil
}

func (f *fakeSampler) set(values ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = values
	f.errs = nil
	f.pos = 0
}

// memStore is an in-memory CalibrationStore counting writes.
type memStore struct {
	mu      sync.Mutex
	state   *calibration.State
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) Load() (calibration.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return calibration.State{}, m.loadErr
	}
	if m.state == nil {
		return calibration.State{}, calibration.ErrNotFound
	}
	return *m.state, nil
}

func (m *memStore) Save(st calibration.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.state = &st
	return nil
}

func newDevice(t *testing.T, s RawSampler, store CalibrationStore, samples int) *Device {
	t.Helper()
	d, err := New(s, store, Options{MedianSamples: samples})
	require.NoError(t, err)
	require.NoError(t, d.Initialize())
	return d
}

func TestWeightIsMedianMinusOffsetOverReferenceUnit(t *testing.T) {
	tests := []struct {
		name    string
		samples []int64
		state   calibration.State
		want    float64
	}{
		{
			name:    "three samples with outlier",
			samples: []int64{100, 9999, 102},
			state:   calibration.State{Gain: calibration.Gain128, Offset: 0, ReferenceUnit: 1},
			want:    102,
		},
		{
			name:    "five samples offset and ratio",
			samples: []int64{510, 490, -20000, 500, 505},
			state:   calibration.State{Gain: calibration.Gain128, Offset: 100, ReferenceUnit: 2},
			want:    200,
		},
		{
			name:    "seven samples negative ratio",
			samples: []int64{7, 1, 3, 5, 2, 6, 4},
			state:   calibration.State{Gain: calibration.Gain64, Offset: -4, ReferenceUnit: -4},
			want:    -2,
		},
		{
			name:    "thirteen identical samples",
			samples: []int64{1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000},
			state:   calibration.State{Gain: calibration.Gain128, Offset: 250, ReferenceUnit: 0.5},
			want:    1500,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.state
			store := &memStore{state: &st}
			d := newDevice(t, &fakeSampler{values: tt.samples}, store, len(tt.samples))

			r, err := d.Weight()
			require.NoError(t, err)
			assert.InDelta(t, tt.want, r.Weight, 1e-9)
			assert.Equal(t, len(tt.samples), r.Samples)
		})
	}
}

func TestEvenMedianCountRejected(t *testing.T) {
	for _, n := range []int{2, 4, 12, -1} {
		_, err := New(constant(1), &memStore{}, Options{MedianSamples: n})
		assert.ErrorIs(t, err, ErrInvalidArgument, "n=%d", n)
	}
	for _, n := range []int{1, 3, 13} {
		assert.NoError(t, ValidateMedianSamples(n))
	}
}

func TestInitializeBootstrapsDefaults(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1), store, 3)

	assert.Equal(t, calibration.PhaseReady, d.Phase())
	assert.Equal(t, calibration.DefaultState(), d.State())
	require.NotNil(t, store.state, "defaults must be persisted")
	assert.Equal(t, calibration.DefaultState(), *store.state)
}

func TestInitializeLoadsPersistedState(t *testing.T) {
	st := calibration.State{Gain: calibration.Gain32, Offset: 17, ReferenceUnit: 3}
	store := &memStore{state: &st}
	s := constant(1)
	d := newDevice(t, s, store, 3)

	assert.Equal(t, st, d.State())
	assert.Equal(t, calibration.Gain32, s.gain)
	assert.Equal(t, 0, store.saves)
}

func TestInitializeEndsReadyWhenBootstrapFails(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	d, err := New(constant(1), store, Options{MedianSamples: 3})
	require.NoError(t, err)

	err = d.Initialize()
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, calibration.PhaseReady, d.Phase())
	assert.Equal(t, calibration.DefaultState(), d.State())
}

func TestOperationsBeforeInitialize(t *testing.T) {
	d, err := New(constant(1), &memStore{}, Options{MedianSamples: 3})
	require.NoError(t, err)

	_, err = d.Weight()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = d.Tare(nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = d.Calibrate(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = d.Reset()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestTareThenWeightIsZero(t *testing.T) {
	s := constant(84213)
	st := calibration.State{Gain: calibration.Gain128, ReferenceUnit: 23.9}
	d := newDevice(t, s, &memStore{state: &st}, 5)

	res, err := d.Tare(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(84213), res.Offset)

	r, err := d.Weight()
	require.NoError(t, err)
	assert.InDelta(t, 0, r.Weight, 1e-9)
}

func TestManualTare(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)

	offset := 399.6
	res, err := d.Tare(&offset)
	require.NoError(t, err)
	assert.Equal(t, int64(400), res.Offset)
	assert.Equal(t, int64(400), store.state.Offset)

	bad := math.NaN()
	_, err = d.Tare(&bad)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(400), d.State().Offset)
}

func TestCalibrate(t *testing.T) {
	s := constant(1000)
	store := &memStore{}
	d := newDevice(t, s, store, 3)

	res, err := d.Calibrate(500)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.ReferenceUnit, 1e-12)
	assert.InDelta(t, 500, res.Weight, 1e-9)
	assert.InDelta(t, 2.0, store.state.ReferenceUnit, 1e-12)

	r, err := d.Weight()
	require.NoError(t, err)
	assert.InDelta(t, 500, r.Weight, 1e-9)
}

func TestCalibrateUsesTaredReading(t *testing.T) {
	s := constant(200)
	d := newDevice(t, s, &memStore{}, 3)

	_, err := d.Tare(nil)
	require.NoError(t, err)

	s.set(1200)
	res, err := d.Calibrate(250)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, res.ReferenceUnit, 1e-12)
}

func TestCalibrateZeroIsInvalidAndDoesNotWrite(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)
	before := d.State()
	saves := store.saves

	for _, w := range []float64{0, math.NaN(), math.Inf(1)} {
		_, err := d.Calibrate(w)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}

	assert.Equal(t, before, d.State())
	assert.Equal(t, saves, store.saves)
}

func TestCalibrateRejectsReadingAtOffset(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)
	_, err := d.Tare(nil)
	require.NoError(t, err)

	_, err = d.Calibrate(100)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, calibration.DefaultReferenceUnit, d.State().ReferenceUnit)
}

func TestResetKeepsReferenceUnit(t *testing.T) {
	st := calibration.State{Gain: calibration.Gain64, Offset: 555, ReferenceUnit: 7.5}
	s := constant(1)
	store := &memStore{state: &st}
	d := newDevice(t, s, store, 3)

	got, err := d.Reset()
	require.NoError(t, err)
	want := calibration.State{Gain: calibration.DefaultGain, Offset: 0, ReferenceUnit: 7.5}
	assert.Equal(t, want, got)
	assert.Equal(t, want, *store.state)
	assert.Equal(t, calibration.DefaultGain, s.gain)
}

func TestFailedPersistKeepsLiveState(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)
	before := d.State()

	store.saveErr = errors.New("no space left on device")

	_, err := d.Tare(nil)
	assert.ErrorIs(t, err, ErrPersist)
	_, err = d.Calibrate(10)
	assert.ErrorIs(t, err, ErrPersist)

	assert.Equal(t, before, d.State())
	assert.Equal(t, calibration.PhaseReady, d.Phase())
	assert.NotEmpty(t, d.Status().LastError)
}

func TestWeightToleratesTransientFailures(t *testing.T) {
	flaky := errors.New("not ready")
	s := &fakeSampler{
		values: []int64{10, 10, 10, 10, 10, 10},
		errs:   []error{flaky, nil, flaky, flaky, nil, nil},
	}
	d := newDevice(t, s, &memStore{}, 3)

	r, err := d.Weight()
	require.NoError(t, err)
	assert.InDelta(t, 10, r.Weight, 1e-9)
}

func TestWeightSurfacesSensorReadError(t *testing.T) {
	flaky := errors.New("timeout")
	s := &fakeSampler{
		values: []int64{10},
		errs:   []error{flaky, flaky, flaky},
	}
	d := newDevice(t, s, &memStore{}, 3)

	_, err := d.Weight()
	assert.ErrorIs(t, err, ErrSensorRead)
}

func TestRestoreReloadsFromStore(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1), store, 3)

	st := calibration.State{Gain: calibration.Gain128, Offset: 9, ReferenceUnit: 9}
	store.state = &st

	got, err := d.Restore()
	require.NoError(t, err)
	assert.Equal(t, st, got)
	assert.Equal(t, st, d.State())
}

func TestRestoreReadErrorKeepsLiveState(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)

	_, err := d.Calibrate(500)
	require.NoError(t, err)
	before := d.State()

	store.loadErr = syscall.EIO
	got, err := d.Restore()
	require.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, before, got)
	assert.Equal(t, before, d.State())
	assert.Equal(t, calibration.PhaseReady, d.Phase())
	assert.NotEmpty(t, d.Status().LastError)

	r, err := d.Weight()
	require.NoError(t, err)
	assert.InDelta(t, 500, r.Weight, 1e-9)

	store.loadErr = nil
	_, err = d.Restore()
	require.NoError(t, err)
	assert.Empty(t, d.Status().LastError)
}

func TestRestoreNotifiesOncePerChange(t *testing.T) {
	var seen []calibration.State
	store := &memStore{}
	d, err := New(constant(50), store, Options{
		MedianSamples: 3,
		OnChange:      func(st calibration.State) { seen = append(seen, st) },
	})
	require.NoError(t, err)
	require.NoError(t, d.Initialize())
	seen = nil

	// A file that disappeared is rebuilt from defaults.
	store.state = nil
	_, err = d.Restore()
	require.NoError(t, err)
	assert.Len(t, seen, 1)

	// A file that loads cleanly is announced too.
	st := calibration.State{Gain: calibration.Gain64, Offset: 3, ReferenceUnit: 4}
	store.state = &st
	_, err = d.Restore()
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, st, seen[1])
}

func TestManualTareOutsideSampleRange(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)
	saves := store.saves

	for _, v := range []float64{
		float64(calibration.MaxOffset) + 1,
		float64(calibration.MinOffset) - 1,
		-9.2e18,
		math.Inf(-1),
	} {
		_, err := d.Tare(&v)
		assert.ErrorIs(t, err, ErrInvalidArgument, "offset %v", v)
	}
	assert.Equal(t, int64(0), d.State().Offset)
	assert.Equal(t, saves, store.saves)

	edge := float64(calibration.MinOffset)
	res, err := d.Tare(&edge)
	require.NoError(t, err)
	assert.Equal(t, calibration.MinOffset, res.Offset)
}

func TestOnChangeCalledAfterPersist(t *testing.T) {
	var seen []calibration.State
	d, err := New(constant(50), &memStore{}, Options{
		MedianSamples: 3,
		OnChange:      func(st calibration.State) { seen = append(seen, st) },
	})
	require.NoError(t, err)
	require.NoError(t, d.Initialize())

	_, err = d.Tare(nil)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, int64(50), seen[1].Offset)
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	store := &memStore{}
	d := newDevice(t, constant(1000), store, 3)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = d.Tare(nil)
			} else {
				_, _ = d.Weight()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, calibration.PhaseReady, d.Phase())
	assert.Equal(t, int64(1000), d.State().Offset)
}

func TestMedian(t *testing.T) {
	in := []int64{5, 1, 3}
	assert.Equal(t, int64(3), median(in))
	assert.Equal(t, []int64{5, 1, 3}, in, "input must not be reordered")
}
