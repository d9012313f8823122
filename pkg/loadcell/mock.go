package loadcell

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
)

// Mock is a software load cell used when no HX711 is attached. It returns a
// base reading with uniform noise of +-noise counts.
type Mock struct {
	mu    sync.Mutex
	base  int64
	noise int64
	gain  calibration.Gain
	rnd   *rand.Rand
}

// NewMock returns a new mocked load cell.
func NewMock(base, noise int64) *Mock {
	return &Mock{
		base:  base,
		noise: noise,
		gain:  calibration.DefaultGain,
		rnd:   rand.New(rand.NewSource(1)),
	}
}

// Open is a no-op.
func (m *Mock) Open() error {
	logrus.Warn("using mocked load cell, readings are synthetic")
	return nil
}

// Close is a no-op.
func (m *Mock) Close() error { return nil }

// ReadRaw returns the base reading plus noise.
func (m *Mock) ReadRaw() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.base
	if m.noise > 0 {
		v += m.rnd.Int63n(2*m.noise+1) - m.noise
	}
	return v, nil
}

// SetBase changes the simulated load.
func (m *Mock) SetBase(base int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
}

// SetGain records the gain.
func (m *Mock) SetGain(g calibration.Gain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gain = g
	return nil
}

// Gain returns the last gain set.
func (m *Mock) Gain() calibration.Gain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}
