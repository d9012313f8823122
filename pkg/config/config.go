package config

import "time"

// Config is the daemon configuration.
type Config interface {
	DeviceName() string
	DataDir() string
	Listen() string
	RoutePrefix() string
	PollInterval() time.Duration
	MedianSamples() int
	DataPin() string
	ClockPin() string
	LEDPin() string
	Debug() bool
	MockSensor() bool
	MQTTBroker() string
	MQTTTopic() string
	RetentionDays() int

	SetPollInterval(time.Duration)
	SetDebug(bool)
	SetMockSensor(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
