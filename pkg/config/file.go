package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/utils/ptr"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/weight-tracker.json"

var (
	defaultFileConfig = &RawFileConfig{
		// <app>.<welder type>
		DeviceName:          ptr.To("weight_tracker.MIG"),
		DataDir:             ptr.To("/var/lib/weight-tracker"),
		Listen:              ptr.To(":8000"),
		RoutePrefix:         ptr.To(""),
		PollIntervalSeconds: ptr.To(2),
		MedianSamples:       ptr.To(13),
		DataPin:             ptr.To("GPIO5"),
		ClockPin:            ptr.To("GPIO6"),
		LEDPin:              ptr.To("GPIO25"),
		Debug:               ptr.To(false),
		MockSensor:          ptr.To(false),
		MQTTBroker:          ptr.To(""),
		RetentionDays:       ptr.To(0),
	}
)

var _ Config = &File{}

// File is a Config backed by a JSON file. Unset fields fall back to
// defaults.
type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

// NewFile loads the config at configPath.
func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

// NewFileFromConfig wraps an already decoded config.
func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// RawFileConfig is the on-disk form.
type RawFileConfig struct {
	DeviceName          *string `json:"deviceName,omitempty"`
	DataDir             *string `json:"dataDir,omitempty"`
	Listen              *string `json:"listen,omitempty"`
	RoutePrefix         *string `json:"routePrefix,omitempty"`
	PollIntervalSeconds *int    `json:"pollIntervalSeconds,omitempty"`
	MedianSamples       *int    `json:"medianSamples,omitempty"`
	DataPin             *string `json:"dataPin,omitempty"`
	ClockPin            *string `json:"clockPin,omitempty"`
	LEDPin              *string `json:"ledPin,omitempty"`
	Debug               *bool   `json:"debug,omitempty"`
	MockSensor          *bool   `json:"mockSensor,omitempty"`
	MQTTBroker          *string `json:"mqttBroker,omitempty"`
	MQTTTopic           *string `json:"mqttTopic,omitempty"`
	RetentionDays       *int    `json:"retentionDays,omitempty"`
}

// Validate rejects values the daemon cannot run with.
func (c *RawFileConfig) Validate() error {
	if c.MedianSamples != nil && (*c.MedianSamples < 1 || *c.MedianSamples%2 == 0) {
		return pkgerrors.Errorf("medianSamples must be odd and positive, got %d", *c.MedianSamples)
	}
	if c.PollIntervalSeconds != nil && *c.PollIntervalSeconds < 1 {
		return pkgerrors.Errorf("pollIntervalSeconds must be at least 1, got %d", *c.PollIntervalSeconds)
	}
	if c.RetentionDays != nil && *c.RetentionDays < 0 {
		return pkgerrors.Errorf("retentionDays must not be negative, got %d", *c.RetentionDays)
	}
	if c.DeviceName != nil && strings.TrimSpace(*c.DeviceName) == "" {
		return pkgerrors.New("deviceName must not be empty")
	}
	if c.RoutePrefix != nil && *c.RoutePrefix != "" && !strings.HasPrefix(*c.RoutePrefix, "/") {
		return pkgerrors.Errorf("routePrefix must start with '/', got %q", *c.RoutePrefix)
	}
	return nil
}

func value[T any](f *File, get func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := get(f.c); v != nil {
		return *v
	}
	return *get(defaultFileConfig)
}

func (f *File) DeviceName() string {
	return value(f, func(c *RawFileConfig) *string { return c.DeviceName })
}

func (f *File) DataDir() string {
	return value(f, func(c *RawFileConfig) *string { return c.DataDir })
}

func (f *File) Listen() string {
	return value(f, func(c *RawFileConfig) *string { return c.Listen })
}

// RoutePrefix is the path all routes are mounted under, without a trailing
// slash.
func (f *File) RoutePrefix() string {
	return strings.TrimRight(value(f, func(c *RawFileConfig) *string { return c.RoutePrefix }), "/")
}

func (f *File) PollInterval() time.Duration {
	return time.Duration(value(f, func(c *RawFileConfig) *int { return c.PollIntervalSeconds })) * time.Second
}

func (f *File) MedianSamples() int {
	return value(f, func(c *RawFileConfig) *int { return c.MedianSamples })
}

func (f *File) DataPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.DataPin })
}

func (f *File) ClockPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.ClockPin })
}

// LEDPin is empty when the status LED is disabled.
func (f *File) LEDPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.LEDPin })
}

func (f *File) Debug() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.Debug })
}

func (f *File) MockSensor() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.MockSensor })
}

// MQTTBroker is empty when publishing is disabled.
func (f *File) MQTTBroker() string {
	return value(f, func(c *RawFileConfig) *string { return c.MQTTBroker })
}

// MQTTTopic defaults to weight-tracker/<deviceName>.
func (f *File) MQTTTopic() string {
	f.mu.RLock()
	topic := f.c.MQTTTopic
	f.mu.RUnlock()

	if topic != nil && *topic != "" {
		return *topic
	}
	return "weight-tracker/" + f.DeviceName()
}

// RetentionDays is 0 when old rows are kept forever.
func (f *File) RetentionDays() int {
	return value(f, func(c *RawFileConfig) *int { return c.RetentionDays })
}

func (f *File) SetPollInterval(d time.Duration) {
	if f.c == nil {
		panic("config is nil")
	}

	secs := int(d / time.Second)
	if secs < 1 {
		panic("poll interval must be at least one second")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.PollIntervalSeconds = &secs
}

func (f *File) SetDebug(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Debug = &b
}

func (f *File) SetMockSensor(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MockSensor = &b
}

// Load reads the file. A missing or empty file yields the defaults.
func (f *File) Load() error {
	b, err := os.ReadFile(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			f.mu.Lock()
			f.c = &RawFileConfig{}
			f.mu.Unlock()
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		f.mu.Lock()
		f.c = &RawFileConfig{}
		f.mu.Unlock()
		return nil
	}

	conf := RawFileConfig{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&conf); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.Validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in %s", f.filepath)
	}

	f.mu.Lock()
	f.c = &conf
	f.mu.Unlock()

	return nil
}

// Save writes the file with only the fields that were set.
func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	if err := os.MkdirAll(filepath.Dir(f.filepath), 0o755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", f.filepath)
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

// Path returns the config file path.
func (f *File) Path() string {
	return f.filepath
}

// Effective returns a fully populated copy with defaults filled in.
func (f *File) Effective() *RawFileConfig {
	return &RawFileConfig{
		DeviceName:          ptr.To(f.DeviceName()),
		DataDir:             ptr.To(f.DataDir()),
		Listen:              ptr.To(f.Listen()),
		RoutePrefix:         ptr.To(f.RoutePrefix()),
		PollIntervalSeconds: ptr.To(int(f.PollInterval() / time.Second)),
		MedianSamples:       ptr.To(f.MedianSamples()),
		DataPin:             ptr.To(f.DataPin()),
		ClockPin:            ptr.To(f.ClockPin()),
		LEDPin:              ptr.To(f.LEDPin()),
		Debug:               ptr.To(f.Debug()),
		MockSensor:          ptr.To(f.MockSensor()),
		MQTTBroker:          ptr.To(f.MQTTBroker()),
		MQTTTopic:           ptr.To(f.MQTTTopic()),
		RetentionDays:       ptr.To(f.RetentionDays()),
	}
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"deviceName":    f.DeviceName(),
		"dataDir":       f.DataDir(),
		"listen":        f.Listen(),
		"routePrefix":   f.RoutePrefix(),
		"pollInterval":  f.PollInterval(),
		"medianSamples": f.MedianSamples(),
		"dataPin":       f.DataPin(),
		"clockPin":      f.ClockPin(),
		"ledPin":        f.LEDPin(),
		"debug":         f.Debug(),
		"mockSensor":    f.MockSensor(),
		"mqttBroker":    f.MQTTBroker(),
		"retentionDays": f.RetentionDays(),
	}
}
