package loadcell

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/hx711"
	"periph.io/x/host/v3"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
)

// DefaultReadTimeout bounds a single conversion. The HX711 produces 10
// samples per second at the default rate, so one conversion well exceeds
// this only when the chip is unpowered or disconnected.
const DefaultReadTimeout = 500 * time.Millisecond

// HX711 is a wrapper of the periph.io hx711 driver.
type HX711 struct {
	dataPin  string
	clockPin string
	timeout  time.Duration

	mu  sync.Mutex
	dev *hx711.Dev
}

// New returns a new HX711 bound to the named GPIO pins, e.g. "GPIO5".
func New(dataPin, clockPin string) *HX711 {
	return &HX711{
		dataPin:  dataPin,
		clockPin: clockPin,
		timeout:  DefaultReadTimeout,
	}
}

// Open initializes the host drivers and the device.
func (h *HX711) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := host.Init(); err != nil {
		return pkgerrors.Wrap(err, "periph host init")
	}

	clk := gpioreg.ByName(h.clockPin)
	if clk == nil {
		return pkgerrors.Errorf("clock pin %s not found", h.clockPin)
	}
	data := gpioreg.ByName(h.dataPin)
	if data == nil {
		return pkgerrors.Errorf("data pin %s not found", h.dataPin)
	}

	dev, err := hx711.New(clk, data)
	if err != nil {
		return pkgerrors.Wrap(err, "hx711 init")
	}
	h.dev = dev

	logrus.WithFields(logrus.Fields{
		"data":  h.dataPin,
		"clock": h.clockPin,
	}).Info("hx711 opened")

	return nil
}

// Close halts the device.
func (h *HX711) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev == nil {
		return nil
	}
	err := h.dev.Halt()
	h.dev = nil
	return err
}

// ReadRaw reads one conversion from the ADC.
func (h *HX711) ReadRaw() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev == nil {
		return 0, pkgerrors.New("hx711 is not open")
	}

	v, err := h.dev.ReadTimeout(h.timeout)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "hx711 read")
	}

	logrus.WithField("raw", v).Trace("hx711 read")

	return int64(v), nil
}

// SetGain selects the channel and gain used for subsequent reads.
func (h *HX711) SetGain(g calibration.Gain) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev == nil {
		return pkgerrors.New("hx711 is not open")
	}

	hg, err := toDriverGain(g)
	if err != nil {
		return err
	}

	logrus.WithField("gain", g.String()).Debug("setting hx711 gain")

	return h.dev.SetInputMode(hg)
}

func toDriverGain(g calibration.Gain) (hx711.InputMode, error) {
	switch g {
	case calibration.Gain128:
		return hx711.CHANNEL_A_GAIN_128, nil
	case calibration.Gain64:
		return hx711.CHANNEL_A_GAIN_64, nil
	case calibration.Gain32:
		return hx711.CHANNEL_B_GAIN_32, nil
	}
	return 0, pkgerrors.Errorf("unsupported gain %d", int(g))
}
