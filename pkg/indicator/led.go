package indicator

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/weight-tracker/weight-tracker/pkg/types"
)

// DefaultPulse is how long the LED stays lit after a successful poll.
const DefaultPulse = 150 * time.Millisecond

// Indicator signals daemon health to someone standing at the scale.
type Indicator interface {
	HandleRecord(types.WeightRecord)
	Close() error
}

// OutputPin is the part of gpio.PinOut the LED needs.
type OutputPin interface {
	Out(l gpio.Level) error
}

// LED pulses a GPIO-driven LED once per recorded weight.
type LED struct {
	pin   OutputPin
	pulse time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// Open drives the LED on the named pin, e.g. "GPIO25".
func Open(name string) (*LED, error) {
	if _, err := host.Init(); err != nil {
		return nil, pkgerrors.Wrap(err, "periph host init")
	}

	p := gpioreg.ByName(name)
	if p == nil {
		return nil, pkgerrors.Errorf("led pin %s not found", name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set led pin %s as output", name)
	}

	logrus.WithField("pin", name).Info("status led enabled")

	return NewLED(p, DefaultPulse), nil
}

// NewLED returns an LED on pin.
func NewLED(pin OutputPin, pulse time.Duration) *LED {
	return &LED{pin: pin, pulse: pulse}
}

// HandleRecord blinks the LED.
func (l *LED) HandleRecord(types.WeightRecord) {
	l.Blink()
}

// Blink lights the LED for one pulse. A blink during a pulse extends it.
func (l *LED) Blink() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err := l.pin.Out(gpio.High); err != nil {
		logrus.WithError(err).Debug("failed to turn led on")
		return
	}
	if l.timer == nil {
		l.timer = time.AfterFunc(l.pulse, l.off)
	} else {
		l.timer.Reset(l.pulse)
	}
}

func (l *LED) off() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err := l.pin.Out(gpio.Low); err != nil {
		logrus.WithError(err).Debug("failed to turn led off")
	}
}

// Close turns the LED off for good.
func (l *LED) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}
	return l.pin.Out(gpio.Low)
}

// Noop is used when no LED pin is configured.
type Noop struct{}

func (Noop) HandleRecord(types.WeightRecord) {}

func (Noop) Close() error { return nil }
