package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/config"
	"github.com/weight-tracker/weight-tracker/pkg/events"
	"github.com/weight-tracker/weight-tracker/pkg/indicator"
	"github.com/weight-tracker/weight-tracker/pkg/loadcell"
	"github.com/weight-tracker/weight-tracker/pkg/metrics"
	"github.com/weight-tracker/weight-tracker/pkg/poller"
	"github.com/weight-tracker/weight-tracker/pkg/publish"
	"github.com/weight-tracker/weight-tracker/pkg/queue"
	"github.com/weight-tracker/weight-tracker/pkg/scale"
	"github.com/weight-tracker/weight-tracker/pkg/storage"
	"github.com/weight-tracker/weight-tracker/pkg/types"
)

const (
	retentionSchedule = "@hourly"

	// Synthetic readings used with mockSensor.
	mockBase  = 84213
	mockNoise = 40
)

// Sensor is a load cell the daemon owns: a raw sampler with a lifecycle.
type Sensor interface {
	scale.RawSampler
	Open() error
	Close() error
}

// Options overrides parts of the App, mainly for tests.
type Options struct {
	// Sensor replaces the sensor selected by the config.
	Sensor Sensor
	// Indicator replaces the LED selected by the config.
	Indicator indicator.Indicator
}

// App holds every component of a running daemon. Handlers and background
// jobs reach each other only through it.
type App struct {
	conf *config.File

	sensor    Sensor
	store     *calibration.FileStore
	device    *scale.Device
	db        *storage.SQLite
	queue     *queue.Queue
	poller    *poller.Poller
	hub       *events.EventHub
	metrics   *metrics.PrometheusRecorder
	mqtt      *publish.MQTT
	indicator indicator.Indicator

	// baseLevel is the log level the daemon was started with. The debug
	// setting raises it and a reload can lower it back.
	baseLevel logrus.Level

	reloadMu     sync.Mutex
	mu           sync.Mutex
	retentionJob cron.EntryID
}

// New builds and wires every component from conf. Nothing runs until
// Start.
func New(conf *config.File, opts Options) (*App, error) {
	a := &App{
		conf:      conf,
		hub:       events.NewEventHub(),
		metrics:   metrics.NewPrometheusRecorder(nil),
		baseLevel: logrus.GetLevel(),
	}
	a.applyDebug()

	a.sensor = opts.Sensor
	if a.sensor == nil {
		if conf.MockSensor() {
			a.sensor = loadcell.NewMock(mockBase, mockNoise)
		} else {
			a.sensor = loadcell.New(conf.DataPin(), conf.ClockPin())
		}
	}
	if err := a.sensor.Open(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open load cell")
	}

	a.store = calibration.NewFileStore(conf.DataDir(), conf.DeviceName())
	device, err := scale.New(a.sensor, a.store, scale.Options{
		MedianSamples: conf.MedianSamples(),
		OnChange:      a.onCalibrationChange,
	})
	if err != nil {
		_ = a.sensor.Close()
		return nil, err
	}
	a.device = device

	db, err := storage.Open(filepath.Join(conf.DataDir(), storage.DBFileName(conf.DeviceName())))
	if err != nil {
		_ = a.sensor.Close()
		return nil, err
	}
	a.db = db
	a.queue = queue.New(db, queue.WithObserver(a.metrics))

	a.indicator = opts.Indicator
	if a.indicator == nil {
		a.indicator = openIndicator(conf)
	}

	if broker := conf.MQTTBroker(); broker != "" {
		m, err := publish.NewMQTT(broker, conf.MQTTTopic(), conf.DeviceName())
		if err != nil {
			logrus.WithError(err).Warn("mqtt publishing disabled")
		} else {
			a.mqtt = m
		}
	}

	sinks := []poller.Sink{poller.SinkFunc(a.publishSample), a.indicator}
	if a.mqtt != nil {
		sinks = append(sinks, a.mqtt)
	}
	a.poller, err = poller.New(a.device, a.queue, poller.Options{
		Interval: conf.PollInterval(),
		Sinks:    sinks,
		Observer: a.metrics,
	})
	if err != nil {
		_ = a.db.Close()
		_ = a.sensor.Close()
		return nil, err
	}

	// The device comes up Ready even when the bootstrap write failed.
	if err := a.device.Initialize(); err != nil {
		logrus.WithError(err).Error("calibration could not be loaded or persisted")
	}

	if err := a.applyRetention(); err != nil {
		logrus.WithError(err).Warn("retention job not scheduled")
	}

	return a, nil
}

func openIndicator(conf *config.File) indicator.Indicator {
	pin := conf.LEDPin()
	if pin == "" || conf.MockSensor() {
		return indicator.Noop{}
	}
	led, err := indicator.Open(pin)
	if err != nil {
		logrus.WithError(err).Warn("status led disabled")
		return indicator.Noop{}
	}
	return led
}

// Start starts the write queue worker and the poller.
func (a *App) Start() {
	a.queue.Start()
	a.poller.Start()
}

// Shutdown stops the poller, drains the write queue and releases the
// database, the sensor and the peripherals, in that order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	logrus.Info("stopping poller")
	select {
	case <-a.poller.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, pkgerrors.Wrap(ctx.Err(), "poller did not stop"))
	}

	logrus.WithField("pending", a.queue.Len()).Info("draining write queue")
	if err := a.queue.Close(ctx); err != nil {
		errs = append(errs, pkgerrors.Wrap(err, "write queue did not drain"))
	}

	logrus.Info("closing database")
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := a.sensor.Close(); err != nil {
		errs = append(errs, pkgerrors.Wrap(err, "failed to close load cell"))
	}
	if err := a.indicator.Close(); err != nil {
		errs = append(errs, pkgerrors.Wrap(err, "failed to turn off led"))
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	a.hub.Close()

	return errors.Join(errs...)
}

// Reload re-reads the config file and applies the settings that can change
// at runtime: log level, poll interval and retention.
func (a *App) Reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if err := a.conf.Load(); err != nil {
		return err
	}

	a.applyDebug()
	if err := a.poller.SetInterval(a.conf.PollInterval()); err != nil {
		return err
	}
	if err := a.applyRetention(); err != nil {
		return err
	}

	logrus.WithFields(a.conf.LogrusFields()).Info("config reloaded")
	return nil
}

func (a *App) applyRetention() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retentionJob != 0 {
		a.poller.RemoveJob(a.retentionJob)
		a.retentionJob = 0
	}
	if a.conf.RetentionDays() <= 0 {
		return nil
	}

	id, err := a.poller.AddJob(retentionSchedule, a.prune)
	if err != nil {
		return err
	}
	a.retentionJob = id
	return nil
}

// prune enqueues deletion of rows older than the retention period.
func (a *App) prune() {
	days := a.conf.RetentionDays()
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	t := storage.PruneTask(cutoff)
	t.Callback = func(r queue.Result) {
		if r.Err == nil && r.RowsAffected > 0 {
			logrus.WithFields(logrus.Fields{
				"deleted": r.RowsAffected,
				"cutoff":  cutoff.Format(time.RFC3339),
			}).Info("pruned old weights")
		}
	}
	if err := a.queue.Enqueue(t); err != nil {
		logrus.WithError(err).Debug("prune skipped")
	}
}

func (a *App) publishSample(rec types.WeightRecord) {
	a.hub.Publish(events.WeightSample, events.WeightSampleEvent{
		Weight:  rec.Weight,
		Samples: rec.Samples,
		Ts:      rec.Timestamp,
	})
}

// onCalibrationChange runs with the device lock held and must not block.
func (a *App) onCalibrationChange(st calibration.State) {
	a.metrics.ObserveCalibration(st)
	a.hub.Publish(events.CalibrationChanged, events.CalibrationChangedEvent{
		Gain:          int(st.Gain),
		Offset:        st.Offset,
		ReferenceUnit: st.ReferenceUnit,
		Ts:            time.Now().UnixNano(),
	})
	if a.mqtt != nil {
		a.mqtt.PublishCalibration(st)
	}
}

// Status returns the combined status of the device, poller and queue.
func (a *App) Status() types.Status {
	return types.Status{
		Device:      a.conf.DeviceName(),
		Calibration: a.device.Status(),
		Poller:      a.poller.Stats(),
		Queue:       a.queue.Stats(),
	}
}

// applyDebug switches between debug logging and the level the daemon was
// started with, following the debug setting.
func (a *App) applyDebug() {
	want := a.baseLevel
	if a.conf.Debug() && want < logrus.DebugLevel {
		want = logrus.DebugLevel
	}
	if logrus.GetLevel() == want {
		return
	}
	logrus.SetLevel(want)
	logrus.WithField("level", want.String()).Info("log level changed")
}
