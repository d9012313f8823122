package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/queue"
	"github.com/weight-tracker/weight-tracker/pkg/scale"
	"github.com/weight-tracker/weight-tracker/pkg/storage"
	"github.com/weight-tracker/weight-tracker/pkg/types"
)

const (
	// recentWindow is the window RecentTicks is counted over.
	recentWindow = time.Minute
	maxTicks     = 120
)

// Sampler produces calibrated readings. *scale.Device implements it.
type Sampler interface {
	Weight() (types.Reading, error)
}

// Enqueuer accepts storage tasks. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(queue.Task) error
}

// Sink receives every record that was handed to the write queue.
type Sink interface {
	HandleRecord(types.WeightRecord)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(types.WeightRecord)

// HandleRecord calls f(rec).
func (f SinkFunc) HandleRecord(rec types.WeightRecord) { f(rec) }

// Observer is notified of every poll outcome.
type Observer interface {
	ObservePoll(d time.Duration, err error)
	ObserveWeight(weight float64)
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	Sinks    []Sink
	Observer Observer
}

// Poller samples the scale on a fixed period and enqueues one insert per
// successful reading. Ticks never overlap and missed ticks are not caught up.
type Poller struct {
	dev    Sampler
	q      Enqueuer
	sinks  []Sink
	obs    Observer
	parser cron.Parser
	cron   *cron.Cron
	ticks  *tickLog

	succeeded atomic.Uint64
	failed    atomic.Uint64

	mu        sync.Mutex
	interval  time.Duration
	entry     cron.EntryID
	running   bool
	last      *types.WeightRecord
	lastErr   error
	lastErrAt time.Time
}

// New returns a stopped poller.
func New(dev Sampler, q Enqueuer, opts Options) (*Poller, error) {
	if dev == nil || q == nil {
		return nil, pkgerrors.New("poller requires a sampler and a queue")
	}
	if opts.Interval < time.Second {
		return nil, pkgerrors.Errorf("poll interval must be at least 1s, got %s", opts.Interval)
	}

	logger := cron.PrintfLogger(logrus.StandardLogger())
	p := &Poller{
		dev:    dev,
		q:      q,
		sinks:  opts.Sinks,
		obs:    opts.Observer,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ticks: newTickLog(maxTicks, opts.Interval),
	}

	if err := p.SetInterval(opts.Interval); err != nil {
		return nil, err
	}

	return p, nil
}

// SetInterval reschedules the poll job.
func (p *Poller) SetInterval(d time.Duration) error {
	if d < time.Second {
		return pkgerrors.Errorf("poll interval must be at least 1s, got %s", d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entry != 0 && d == p.interval {
		return nil
	}

	id, err := p.cron.AddFunc(fmt.Sprintf("@every %s", d), p.Tick)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to schedule poll")
	}
	if p.entry != 0 {
		p.cron.Remove(p.entry)
	}
	p.entry = id
	p.interval = d
	p.ticks.reset(d)

	logrus.WithField("interval", d).Info("poll interval set")

	return nil
}

// AddJob schedules fn on the poller's cron with a cron expression or
// descriptor such as "@daily".
func (p *Poller) AddJob(spec string, fn func()) (cron.EntryID, error) {
	sched, err := p.parser.Parse(spec)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "invalid schedule %q", spec)
	}
	return p.cron.Schedule(sched, cron.FuncJob(fn)), nil
}

// RemoveJob removes a job added with AddJob.
func (p *Poller) RemoveJob(id cron.EntryID) {
	p.cron.Remove(id)
}

// Start starts the schedule. The first poll happens one interval later.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.cron.Start()

	logrus.WithField("interval", p.interval).Info("poller started")
}

// Stop stops the schedule. The returned context is done once a running
// poll has finished.
func (p *Poller) Stop() context.Context {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return p.cron.Stop()
}

// Tick takes one reading and hands it to the write queue and the sinks.
// A failure is logged and the tick is skipped.
func (p *Poller) Tick() {
	start := time.Now()
	rec, err := p.poll()
	if p.obs != nil {
		p.obs.ObservePoll(time.Since(start), err)
	}

	if err != nil {
		p.failed.Add(1)
		p.mu.Lock()
		p.lastErr = err
		p.lastErrAt = time.Now()
		p.mu.Unlock()

		entry := logrus.WithError(err)
		switch {
		case errors.Is(err, scale.ErrSensorRead):
			entry.Warn("sensor read failed, skipping tick")
		case errors.Is(err, queue.ErrClosed):
			entry.Debug("write queue closed, skipping tick")
		default:
			entry.Error("poll failed, skipping tick")
		}
		return
	}

	p.succeeded.Add(1)
	p.ticks.add(time.Now())
	p.mu.Lock()
	p.last = &rec
	p.mu.Unlock()

	if p.obs != nil {
		p.obs.ObserveWeight(rec.Weight)
	}

	for _, s := range p.sinks {
		s.HandleRecord(rec)
	}
}

func (p *Poller) poll() (types.WeightRecord, error) {
	r, err := p.dev.Weight()
	if err != nil {
		return types.WeightRecord{}, err
	}

	rec := types.NewWeightRecord(r)
	if err := p.q.Enqueue(storage.InsertWeightTask(rec)); err != nil {
		return types.WeightRecord{}, pkgerrors.Wrap(err, "failed to enqueue weight record")
	}

	logrus.WithFields(logrus.Fields{
		"weight":  rec.Weight,
		"samples": rec.Samples,
	}).Debug("weight recorded")

	return rec, nil
}

// Stats returns a snapshot of the poller.
func (p *Poller) Stats() types.PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	st := types.PollerStatus{
		Interval:    p.interval.String(),
		Running:     p.running,
		Succeeded:   p.succeeded.Load(),
		Failed:      p.failed.Load(),
		RecentTicks: p.ticks.streak(now, recentWindow),
		TickTimes:   p.ticks.since(now, recentWindow),
		LastErrorAt: p.lastErrAt,
	}
	if p.last != nil {
		rec := *p.last
		st.LastRecord = &rec
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	if p.running {
		st.NextScheduleAt = p.cron.Entry(p.entry).Next
	}
	return st
}
