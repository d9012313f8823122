package calibration

import (
	"fmt"
	"math"
	"time"
)

// Gain is the HX711 amplifier gain. The value also selects the input
// channel: 128 and 64 read channel A, 32 reads channel B.
type Gain int

const (
	Gain128 Gain = 128
	Gain64  Gain = 64
	Gain32  Gain = 32

	DefaultGain Gain = Gain128
)

// Valid reports whether g is supported by the hardware.
func (g Gain) Valid() bool {
	switch g {
	case Gain128, Gain64, Gain32:
		return true
	}
	return false
}

func (g Gain) String() string {
	switch g {
	case Gain128:
		return "A128"
	case Gain64:
		return "A64"
	case Gain32:
		return "B32"
	}
	return fmt.Sprintf("Gain(%d)", int(g))
}

// DefaultReferenceUnit is used until the scale is calibrated.
const DefaultReferenceUnit = 1.0

// The HX711 reports 24-bit two's complement samples, so a tare offset
// outside this range cannot come from the chip.
const (
	MinOffset int64 = -1 << 23
	MaxOffset int64 = 1<<23 - 1
)

// Phase defines the states of the scale device.
type Phase string

const (
	PhaseUninitialized Phase = "Uninitialized"
	PhaseReady         Phase = "Ready"
	PhaseTaring        Phase = "Taring"
	PhaseCalibrating   Phase = "Calibrating"
)

// State holds the calibration persisted to disk.
type State struct {
	Gain Gain `json:"gain"`
	// Offset is the tare in raw ADC counts.
	Offset int64 `json:"offset"`
	// ReferenceUnit is the number of raw counts per unit of weight.
	ReferenceUnit float64 `json:"referenceUnit"`
}

// DefaultState returns the state used on first boot.
func DefaultState() State {
	return State{
		Gain:          DefaultGain,
		Offset:        0,
		ReferenceUnit: DefaultReferenceUnit,
	}
}

// Validate checks the invariants of the triple.
func (s State) Validate() error {
	if !s.Gain.Valid() {
		return fmt.Errorf("unsupported gain %d", int(s.Gain))
	}
	if s.Offset < MinOffset || s.Offset > MaxOffset {
		return fmt.Errorf("offset %d is outside the 24-bit sample range", s.Offset)
	}
	if s.ReferenceUnit == 0 || math.IsNaN(s.ReferenceUnit) || math.IsInf(s.ReferenceUnit, 0) {
		return fmt.Errorf("invalid reference unit %v", s.ReferenceUnit)
	}
	return nil
}

// Status is a synthesized view model exposed via HTTP and the CLI. It derives
// from the persisted State plus the live phase of the device.
type Status struct {
	Phase         Phase     `json:"phase"`
	Gain          Gain      `json:"gain"`
	Offset        int64     `json:"offset"`
	ReferenceUnit float64   `json:"referenceUnit"`
	MedianSamples int       `json:"medianSamples"`
	File          string    `json:"file"`
	LastSavedAt   time.Time `json:"lastSavedAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}
