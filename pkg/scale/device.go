package scale

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/types"
)

const (
	// DefaultMedianSamples is the number of raw samples a reading is taken
	// over. It must be odd.
	DefaultMedianSamples = 13
	// DefaultReadAttempts bounds the attempts per raw sample.
	DefaultReadAttempts = 3
)

// RawSampler yields raw ADC samples from the analog front-end.
type RawSampler interface {
	ReadRaw() (int64, error)
}

// GainSetter is implemented by samplers that support gain selection.
type GainSetter interface {
	SetGain(calibration.Gain) error
}

// CalibrationStore persists the calibration triple.
type CalibrationStore interface {
	Load() (calibration.State, error)
	Save(calibration.State) error
}

// Options configures a Device.
type Options struct {
	// MedianSamples must be odd and positive. Zero means DefaultMedianSamples.
	MedianSamples int
	// ReadAttempts per raw sample. Zero means DefaultReadAttempts.
	ReadAttempts int
	// OnChange is called with the new state after every successful persist.
	// It runs with the device lock held and must not call back into the
	// Device.
	OnChange func(calibration.State)
}

// Device converts raw samples into calibrated weight and owns the
// calibration state. All operations are serialized by one mutex, so a scale
// is never tared and calibrated at the same time.
type Device struct {
	sampler  RawSampler
	store    CalibrationStore
	samples  int
	attempts int
	onChange func(calibration.State)
	now      func() time.Time

	mu          sync.Mutex
	phase       calibration.Phase
	state       calibration.State
	lastSavedAt time.Time
	lastError   string
}

// New returns an uninitialized Device. An even or negative sample count is
// rejected with ErrInvalidArgument.
func New(sampler RawSampler, store CalibrationStore, opts Options) (*Device, error) {
	if sampler == nil {
		return nil, pkgerrors.Wrap(ErrInvalidArgument, "sampler is nil")
	}
	if store == nil {
		return nil, pkgerrors.Wrap(ErrInvalidArgument, "calibration store is nil")
	}

	samples := opts.MedianSamples
	if samples == 0 {
		samples = DefaultMedianSamples
	}
	if err := ValidateMedianSamples(samples); err != nil {
		return nil, err
	}

	attempts := opts.ReadAttempts
	if attempts == 0 {
		attempts = DefaultReadAttempts
	}
	if attempts < 0 {
		return nil, pkgerrors.Wrapf(ErrInvalidArgument, "read attempts must be positive, got %d", attempts)
	}

	return &Device{
		sampler:  sampler,
		store:    store,
		samples:  samples,
		attempts: attempts,
		onChange: opts.OnChange,
		now:      time.Now,
		phase:    calibration.PhaseUninitialized,
		state:    calibration.DefaultState(),
	}, nil
}

// ValidateMedianSamples rejects counts whose median is ambiguous.
func ValidateMedianSamples(n int) error {
	if n < 1 || n%2 == 0 {
		return pkgerrors.Wrapf(ErrInvalidArgument, "median sample count must be odd and positive, got %d", n)
	}
	return nil
}

// Initialize loads the persisted calibration. When none is usable it falls
// back to defaults and persists them immediately. An unreadable file is left
// alone and the defaults stay in memory only. The device always ends up
// Ready; the returned error reports a failed read or bootstrap.
func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.store.Load()
	switch {
	case err == nil:
		d.adopt(st)
	case errors.Is(err, calibration.ErrNotFound):
		err = d.bootstrap(err)
	default:
		logrus.WithError(err).Error("failed to read calibration, using defaults in memory")
		d.lastError = err.Error()
		d.applyGain(d.state.Gain)
	}
	d.phase = calibration.PhaseReady

	logrus.WithFields(d.fields()).Info("scale initialized")

	return err
}

// adopt makes st the live state. Must be called with d.mu held.
func (d *Device) adopt(st calibration.State) {
	if st.Gain != d.state.Gain || d.phase == calibration.PhaseUninitialized {
		d.applyGain(st.Gain)
	}
	d.state = st
}

// bootstrap persists the defaults in place of a missing or corrupt file.
// Must be called with d.mu held.
func (d *Device) bootstrap(reason error) error {
	logrus.WithError(reason).Warn("no usable calibration found, recalibration required. falling back to defaults")

	defaults := calibration.DefaultState()
	prev := d.state.Gain
	d.applyGain(defaults.Gain)
	if err := d.persist(defaults); err != nil {
		d.applyGain(prev)
		logrus.WithError(err).Error("failed to persist default calibration")
		return err
	}
	return nil
}

func (d *Device) applyGain(g calibration.Gain) {
	gs, ok := d.sampler.(GainSetter)
	if !ok {
		return
	}
	if err := gs.SetGain(g); err != nil {
		logrus.WithError(err).WithField("gain", g.String()).Warn("failed to set sampler gain")
	}
}

// Weight takes MedianSamples raw samples and returns
// (median - offset) / referenceUnit.
func (d *Device) Weight() (types.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == calibration.PhaseUninitialized {
		return types.Reading{}, ErrNotInitialized
	}

	raw, err := d.readMedian()
	if err != nil {
		return types.Reading{}, err
	}

	return types.Reading{
		Weight:    d.convert(raw, d.state),
		Raw:       raw,
		Samples:   d.samples,
		Timestamp: d.now(),
	}, nil
}

// Tare sets the offset. With explicit set, that value (rounded to whole
// counts) becomes the offset. Otherwise a fresh median reading does, which
// assumes the scale is unloaded.
func (d *Device) Tare(explicit *float64) (types.TareResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == calibration.PhaseUninitialized {
		return types.TareResult{}, ErrNotInitialized
	}

	var offset int64
	if explicit != nil {
		v := math.Round(*explicit)
		if math.IsNaN(v) || v < float64(calibration.MinOffset) || v > float64(calibration.MaxOffset) {
			return types.TareResult{}, pkgerrors.Wrapf(ErrInvalidArgument, "tare offset must be within [%d, %d], got %v",
				calibration.MinOffset, calibration.MaxOffset, *explicit)
		}
		offset = int64(v)
	}

	defer d.enter(calibration.PhaseTaring)()

	if explicit == nil {
		raw, err := d.readMedian()
		if err != nil {
			return types.TareResult{}, err
		}
		offset = raw
	}

	next := d.state
	next.Offset = offset
	if err := d.persist(next); err != nil {
		return types.TareResult{Offset: d.state.Offset}, err
	}

	logrus.WithFields(logrus.Fields{
		"offset": offset,
		"manual": explicit != nil,
	}).Info("scale tared")

	return types.TareResult{Offset: offset}, nil
}

// Calibrate places the scale's ratio so that the current reading equals
// knownWeight. It does not tare first: calibrating an untared scale yields a
// biased ratio.
func (d *Device) Calibrate(knownWeight float64) (types.CalibrateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == calibration.PhaseUninitialized {
		return types.CalibrateResult{}, ErrNotInitialized
	}
	if knownWeight == 0 || math.IsNaN(knownWeight) || math.IsInf(knownWeight, 0) {
		return types.CalibrateResult{}, pkgerrors.Wrapf(ErrInvalidArgument, "known weight must be a non-zero number, got %v", knownWeight)
	}

	defer d.enter(calibration.PhaseCalibrating)()

	raw, err := d.readMedian()
	if err != nil {
		return types.CalibrateResult{}, err
	}

	delta := raw - d.state.Offset
	if delta == 0 {
		return types.CalibrateResult{}, pkgerrors.Wrapf(ErrInvalidArgument, "reading %d equals the tare offset, is the known weight on the scale?", raw)
	}

	next := d.state
	next.ReferenceUnit = float64(delta) / knownWeight
	if err := d.persist(next); err != nil {
		return types.CalibrateResult{}, err
	}

	res := types.CalibrateResult{
		KnownWeight:   knownWeight,
		RawReading:    raw,
		Weight:        d.convert(raw, next),
		ReferenceUnit: next.ReferenceUnit,
	}

	logrus.WithFields(logrus.Fields{
		"knownWeight":   knownWeight,
		"raw":           raw,
		"referenceUnit": next.ReferenceUnit,
	}).Info("scale calibrated")

	return res, nil
}

// Reset restores the default gain and clears the offset. The reference unit
// is kept: a ratio from an earlier calibration stays valid.
func (d *Device) Reset() (calibration.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == calibration.PhaseUninitialized {
		return calibration.State{}, ErrNotInitialized
	}

	prev := d.state
	next := d.state
	next.Gain = calibration.DefaultGain
	next.Offset = 0

	if next.Gain != prev.Gain {
		d.applyGain(next.Gain)
	}
	if err := d.persist(next); err != nil {
		if next.Gain != prev.Gain {
			d.applyGain(prev.Gain)
		}
		return prev, err
	}

	logrus.WithFields(d.fields()).Info("scale reset")

	return next, nil
}

// Save persists the current in-memory state again.
func (d *Device) Save() (calibration.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == calibration.PhaseUninitialized {
		return calibration.State{}, ErrNotInitialized
	}
	if err := d.persist(d.state); err != nil {
		return d.state, err
	}
	return d.state, nil
}

// Restore reloads the calibration from disk. A missing or corrupt file is
// replaced by defaults as in Initialize. Any other read error leaves the live
// state untouched.
func (d *Device) Restore() (calibration.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == calibration.PhaseUninitialized {
		return calibration.State{}, ErrNotInitialized
	}

	st, err := d.store.Load()
	switch {
	case err == nil:
		d.adopt(st)
		d.lastError = ""
		if d.onChange != nil {
			d.onChange(st)
		}
	case errors.Is(err, calibration.ErrNotFound):
		if err := d.bootstrap(err); err != nil {
			return d.state, err
		}
	default:
		d.lastError = err.Error()
		logrus.WithError(err).Error("failed to read calibration, keeping the live state")
		return d.state, err
	}

	logrus.WithFields(d.fields()).Info("calibration restored")

	return d.state, nil
}

// State returns a snapshot of the calibration.
func (d *Device) State() calibration.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Phase returns the current phase.
func (d *Device) Phase() calibration.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Status returns a view model of the device.
func (d *Device) Status() calibration.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := calibration.Status{
		Phase:         d.phase,
		Gain:          d.state.Gain,
		Offset:        d.state.Offset,
		ReferenceUnit: d.state.ReferenceUnit,
		MedianSamples: d.samples,
		LastSavedAt:   d.lastSavedAt,
		LastError:     d.lastError,
	}
	if p, ok := d.store.(interface{ Path() string }); ok {
		st.File = p.Path()
	}
	return st
}

// enter switches to a transient phase and returns the function that goes
// back to Ready. Must be called with d.mu held.
func (d *Device) enter(p calibration.Phase) func() {
	d.phase = p
	return func() { d.phase = calibration.PhaseReady }
}

// persist saves next and makes it the live state only when the write
// succeeded. Must be called with d.mu held.
func (d *Device) persist(next calibration.State) error {
	if err := d.store.Save(next); err != nil {
		d.lastError = err.Error()
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	d.state = next
	d.lastSavedAt = d.now()
	d.lastError = ""
	if d.onChange != nil {
		d.onChange(next)
	}
	return nil
}

func (d *Device) convert(raw int64, st calibration.State) float64 {
	return float64(raw-st.Offset) / st.ReferenceUnit
}

// readMedian must be called with d.mu held.
func (d *Device) readMedian() (int64, error) {
	buf := make([]int64, d.samples)
	for i := range buf {
		v, err := d.readSample()
		if err != nil {
			return 0, pkgerrors.Wrapf(err, "sample %d/%d", i+1, d.samples)
		}
		buf[i] = v
	}

	m := median(buf)
	logrus.WithFields(logrus.Fields{
		"samples": buf,
		"median":  m,
	}).Trace("raw samples")

	return m, nil
}

func (d *Device) readSample() (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		v, err := d.sampler.ReadRaw()
		if err == nil {
			return v, nil
		}
		lastErr = err
		logrus.WithError(err).WithField("attempt", attempt).Debug("raw sample failed, retrying")
	}
	return 0, pkgerrors.Wrapf(ErrSensorRead, "%d attempts: %v", d.attempts, lastErr)
}

func (d *Device) fields() logrus.Fields {
	return logrus.Fields{
		"phase":         d.phase,
		"gain":          d.state.Gain.String(),
		"offset":        d.state.Offset,
		"referenceUnit": d.state.ReferenceUnit,
	}
}
