package indicator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"periph.io/x/conn/v3/gpio"

	"github.com/weight-tracker/weight-tracker/pkg/types"
)

type fakePin struct {
	mu     sync.Mutex
	levels []gpio.Level
}

func (p *fakePin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels = append(p.levels, l)
	return nil
}

func (p *fakePin) last() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.levels) == 0 {
		return gpio.Low
	}
	return p.levels[len(p.levels)-1]
}

func TestLEDPulse(t *testing.T) {
	pin := &fakePin{}
	led := NewLED(pin, 10*time.Millisecond)

	led.HandleRecord(types.WeightRecord{})
	assert.Equal(t, gpio.High, pin.last())

	assert.Eventually(t, func() bool { return pin.last() == gpio.Low }, time.Second, 5*time.Millisecond)
	assert.NoError(t, led.Close())
}

func TestLEDClose(t *testing.T) {
	pin := &fakePin{}
	led := NewLED(pin, time.Hour)

	led.Blink()
	assert.NoError(t, led.Close())
	assert.Equal(t, gpio.Low, pin.last())

	// Blinks after close are ignored.
	led.Blink()
	assert.Equal(t, gpio.Low, pin.last())
	assert.NoError(t, led.Close())
}

func TestNoop(t *testing.T) {
	var ind Indicator = Noop{}
	ind.HandleRecord(types.WeightRecord{})
	assert.NoError(t, ind.Close())
}
