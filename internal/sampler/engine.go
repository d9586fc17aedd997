// Package sampler runs the periodic sensor sampling loop and buffers readings
// until a consumer drains them.
package sampler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/skobkin/amdgpu-sampler/internal/sensor"
	"github.com/skobkin/amdgpu-sampler/internal/smi"
)

var (
	// ErrAlreadyStarted is returned by Start when the loop is already running.
	ErrAlreadyStarted = errors.New("sampler already started")
	// ErrNotRunning is returned by Stop when the loop is not running.
	ErrNotRunning = errors.New("sampler not running")
	// ErrStopped is returned once the engine has been stopped for good.
	ErrStopped = errors.New("sampler stopped")
)

// UnknownSensorError is returned when draining a handle that was never added.
type UnknownSensorError struct {
	Handle sensor.Handle
}

func (e *UnknownSensorError) Error() string {
	return fmt.Sprintf("unknown sensor %s", e.Handle)
}

// State is the lifecycle state of an Engine.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Reading is one timestamped, normalised sensor value.
type Reading struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Tick summarises one completed sampling iteration.
type Tick struct {
	Time     time.Time `json:"time"`
	Readings int       `json:"readings"`
	Failures int       `json:"failures"`
}

type series struct {
	readings []Reading
	baseline float64
	last     Reading
	hasLast  bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for scheduling and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// Engine samples every registered sensor once per interval on a single
// goroutine. Ticks are anchored to a fixed schedule: a tick that overruns its
// slot causes the missed slots to be skipped rather than replayed.
type Engine struct {
	session  smi.Session
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *engineMetrics

	// mu guards the series map for a whole tick and for Drain/AddSensor.
	mu     sync.Mutex
	series map[sensor.Handle]*series
	order  []sensor.Handle

	lifecycleMu sync.Mutex
	state       atomic.Int32
	stopCh      chan struct{}
	doneCh      chan struct{}

	subMu       sync.Mutex
	subscribers map[*subscriber]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewEngine builds an idle engine that owns session. The session is closed
// by Close.
func NewEngine(session smi.Session, interval time.Duration, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		session:     session,
		interval:    interval,
		clock:       clock.RealClock{},
		logger:      logger.With("component", "sampler"),
		metrics:     newEngineMetrics(),
		series:      make(map[sensor.Handle]*series),
		subscribers: make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Interval returns the configured sampling period.
func (e *Engine) Interval() time.Duration {
	return e.interval
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// AddSensor registers h for sampling. Adding an already registered handle is
// a no-op. Accumulating sensors take one baseline read so that their series
// starts at zero; if that read fails the baseline stays zero.
// AddSensor may be called while the loop is running.
func (e *Engine) AddSensor(h sensor.Handle) error {
	if !h.Kind.Valid() {
		return fmt.Errorf("add sensor %s: invalid kind", h)
	}
	if e.State() == StateStopped {
		return ErrStopped
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.series[h]; ok {
		return nil
	}

	s := &series{}
	if h.Properties().Accumulated {
		baseline, err := h.Read(e.session)
		if err != nil {
			e.logger.Warn("baseline read failed", "sensor", h.String(), "err", err)
		} else {
			s.baseline = baseline
		}
	}

	e.series[h] = s
	idx, _ := slices.BinarySearchFunc(e.order, h, sensor.Handle.Compare)
	e.order = slices.Insert(e.order, idx, h)

	e.logger.Debug("sensor added", "sensor", h.String(), "baseline", s.baseline)
	return nil
}

// Sensors lists the registered handles in handle order.
func (e *Engine) Sensors() []sensor.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}

// Has reports whether h is registered.
func (e *Engine) Has(h sensor.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.series[h]
	return ok
}

// Supported probes h under the sampling lock so that the probe never
// overlaps a tick. It does not register h.
func (e *Engine) Supported(h sensor.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return h.Supported(e.session)
}

// Drain returns every reading collected for h since the previous drain and
// leaves the series empty.
func (e *Engine) Drain(h sensor.Handle) ([]Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.series[h]
	if !ok {
		return nil, &UnknownSensorError{Handle: h}
	}
	out := s.readings
	s.readings = nil
	if out == nil {
		out = []Reading{}
	}
	return out, nil
}

// Latest returns the most recent reading of h without consuming it.
func (e *Engine) Latest(h sensor.Handle) (Reading, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.series[h]
	if !ok || !s.hasLast {
		return Reading{}, false
	}
	return s.last, true
}

// Start launches the sampling goroutine. The first tick happens immediately.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch e.State() {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.state.Store(int32(StateRunning))

	e.logger.Info("sampler started", "interval", e.interval, "sensors", len(e.Sensors()))
	go e.run(e.stopCh, e.doneCh)
	return nil
}

// Stop signals the loop and waits for it to exit. No reading is appended
// after Stop returns.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.State() != StateRunning {
		return ErrNotRunning
	}

	close(e.stopCh)
	<-e.doneCh
	e.state.Store(int32(StateStopped))
	e.closeSubscribers()

	e.logger.Info("sampler stopped")
	return nil
}

// Close stops a running loop and closes the session. Safe for repeated use.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop sampler: %w", err))
		}
		e.lifecycleMu.Lock()
		e.state.Store(int32(StateStopped))
		e.lifecycleMu.Unlock()
		e.closeSubscribers()

		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// Subscribe registers a listener notified after every tick. Slow listeners
// only see the most recent tick.
func (e *Engine) Subscribe() (<-chan Tick, func()) {
	sub := newSubscriber()

	e.subMu.Lock()
	if e.State() == StateStopped {
		e.subMu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	e.subscribers[sub] = struct{}{}
	e.subMu.Unlock()

	return sub.channel(), func() { e.removeSubscriber(sub) }
}

func (e *Engine) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	target := e.clock.Now()
	for {
		e.publish(e.tick())

		now := e.clock.Now()
		next, skipped := nextDeadline(target, now, e.interval)
		if skipped > 0 {
			e.metrics.overruns.Add(float64(skipped))
			e.logger.Debug("tick overran its slot", "skipped", skipped, "late_by", now.Sub(target.Add(e.interval)))
		}
		target = next

		timer := e.clock.NewTimer(target.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

func (e *Engine) tick() Tick {
	started := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var result Tick
	for _, h := range e.order {
		s := e.series[h]
		value, err := h.Read(e.session)
		if err != nil {
			result.Failures++
			e.metrics.failures.WithLabelValues(deviceLabel(h), h.Name()).Inc()
			e.logger.Debug("sensor read failed", "sensor", h.String(), "err", err)
			continue
		}

		reading := Reading{Time: e.clock.Now(), Value: value - s.baseline}
		s.readings = append(s.readings, reading)
		s.last = reading
		s.hasLast = true
		result.Readings++
		e.metrics.samples.WithLabelValues(deviceLabel(h), h.Name()).Inc()
	}

	result.Time = e.clock.Now()
	e.metrics.tickDuration.Observe(result.Time.Sub(started).Seconds())
	return result
}

func (e *Engine) publish(t Tick) {
	e.subMu.Lock()
	targets := make([]*subscriber, 0, len(e.subscribers))
	for sub := range e.subscribers {
		targets = append(targets, sub)
	}
	e.subMu.Unlock()

	for _, sub := range targets {
		sub.send(t)
	}
}

func (e *Engine) removeSubscriber(sub *subscriber) {
	e.subMu.Lock()
	delete(e.subscribers, sub)
	e.subMu.Unlock()
	sub.close()
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	subs := e.subscribers
	e.subscribers = make(map[*subscriber]struct{})
	e.subMu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

func deviceLabel(h sensor.Handle) string {
	return strconv.FormatUint(uint64(h.Device), 10)
}

type subscriber struct {
	ch     chan Tick
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Tick, 1)}
}

func (s *subscriber) channel() <-chan Tick {
	return s.ch
}

func (s *subscriber) send(t Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- t:
		return
	default:
		// Drop the stale tick to make room.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- t:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
