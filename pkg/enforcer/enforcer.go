// Package enforcer keeps the master volume, and optionally some application volumes, pinned to fixed levels
package enforcer

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
)

const (
	// DefaultInterval is how often the volume is checked when no interval is given
	DefaultInterval = time.Second

	// DefaultTolerance is the largest drift (in percentage points) that is left alone
	DefaultTolerance = 0.5
)

// ErrAlreadyStarted is returned when Start is called more than once
var ErrAlreadyStarted = errors.New("enforcer already started")

// VolumeController is the part of audio.Controller the enforcer needs
type VolumeController interface {
	MasterVolume() (float32, error)
	SetMasterVolume(level float32) error
	ApplicationVolume(pid uint32) (float32, error)
	SetApplicationVolume(pid uint32, level float32) error
}

// PIDResolver returns the ids of all running processes with the given executable name
type PIDResolver func(name string) ([]uint32, error)

// AppLock pins every session of an executable to Target percent
type AppLock struct {
	Name   string
	Target float32
}

// Stats counts what the loop did so far
type Stats struct {
	Ticks       uint64
	Corrections uint64
	Failures    uint64
}

// Enforcer periodically reads the master volume and writes the target back whenever they differ
type Enforcer struct {
	logger     *zap.SugaredLogger
	controller VolumeController

	target      float32
	interval    time.Duration
	tolerance   float32
	resolvePIDs PIDResolver

	locksLock sync.RWMutex
	locks     []AppLock

	started      atomic.Bool
	stopOnce     sync.Once
	stopChannel  chan struct{}
	doneChannel  chan struct{}
	nudgeChannel chan struct{}

	// only touched by the loop goroutine
	failing bool

	ticks       atomic.Uint64
	corrections atomic.Uint64
	failures    atomic.Uint64
}

// Option configures an Enforcer
type Option func(*Enforcer)

// WithInterval sets the time between two checks
func WithInterval(interval time.Duration) Option {
	return func(e *Enforcer) {
		if interval > 0 {
			e.interval = interval
		}
	}
}

// WithTolerance sets the drift that doesn't trigger a correction
func WithTolerance(tolerance float32) Option {
	return func(e *Enforcer) {
		if tolerance >= 0 {
			e.tolerance = tolerance
		}
	}
}

// WithPIDResolver sets how application lock names are turned into process ids
func WithPIDResolver(resolver PIDResolver) Option {
	return func(e *Enforcer) {
		e.resolvePIDs = resolver
	}
}

// WithAppLocks sets the initial application locks
func WithAppLocks(locks []AppLock) Option {
	return func(e *Enforcer) {
		e.locks = normalizeLocks(locks)
	}
}

// New creates an enforcer pinning the master volume to target percent. It does nothing until Start
func New(logger *zap.SugaredLogger, controller VolumeController, target float32, opts ...Option) *Enforcer {
	e := &Enforcer{
		logger:       logger.Named("enforcer"),
		controller:   controller,
		target:       clampPercent(target),
		interval:     DefaultInterval,
		tolerance:    DefaultTolerance,
		stopChannel:  make(chan struct{}),
		doneChannel:  make(chan struct{}),
		nudgeChannel: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger.Debugw("Created enforcer instance",
		"target", e.target,
		"interval", e.interval,
		"tolerance", e.tolerance,
		"appLocks", len(e.locks))

	return e
}

// Target returns the enforced master level in percent
func (e *Enforcer) Target() float32 {
	return e.target
}

// Start launches the loop. The first check happens right away
func (e *Enforcer) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go e.loop(ctx)

	e.logger.Infow("Started enforcing master volume", "target", e.target)

	return nil
}

// Stop asks the loop to exit. Safe to call more than once and from any goroutine
func (e *Enforcer) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChannel)
		e.logger.Debug("Enforcer stop requested")
	})
}

// Done is closed once the loop has exited
func (e *Enforcer) Done() <-chan struct{} {
	return e.doneChannel
}

// Wait blocks until the loop has exited. It never returns if Start wasn't called
func (e *Enforcer) Wait() {
	<-e.doneChannel
}

// Nudge requests a check now instead of at the next interval
func (e *Enforcer) Nudge() {
	select {
	case e.nudgeChannel <- struct{}{}:
	default:
	}
}

// SetAppLocks replaces the application locks, taking effect on the next check
func (e *Enforcer) SetAppLocks(locks []AppLock) {
	normalized := normalizeLocks(locks)

	e.locksLock.Lock()
	e.locks = normalized
	e.locksLock.Unlock()

	e.logger.Debugw("Updated application locks", "count", len(normalized))
}

// AppLocks returns a copy of the current application locks
func (e *Enforcer) AppLocks() []AppLock {
	e.locksLock.RLock()
	defer e.locksLock.RUnlock()

	return append([]AppLock(nil), e.locks...)
}

// Stats returns the loop's counters
func (e *Enforcer) Stats() Stats {
	return Stats{
		Ticks:       e.ticks.Load(),
		Corrections: e.corrections.Load(),
		Failures:    e.failures.Load(),
	}
}

func (e *Enforcer) loop(ctx context.Context) {
	defer close(e.doneChannel)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		// never start a tick after stop was requested, even if the ticker fired too
		select {
		case <-e.stopChannel:
			e.logger.Debug("Enforcer loop exiting")
			return
		case <-ctx.Done():
			e.logger.Debug("Enforcer context done, loop exiting")
			return
		default:
		}

		e.tick()

		select {
		case <-e.stopChannel:
		case <-ctx.Done():
		case <-ticker.C:
		case <-e.nudgeChannel:
		}
	}
}

func (e *Enforcer) tick() {
	e.ticks.Add(1)

	ok := e.enforceMaster()

	for _, lock := range e.AppLocks() {
		if !e.enforceApp(lock) {
			ok = false
		}
	}

	if ok && e.failing {
		e.logger.Info("Volume enforcement recovered")
	}

	e.failing = !ok
}

func (e *Enforcer) enforceMaster() bool {
	current, err := e.controller.MasterVolume()
	if err != nil {
		e.fail("Failed to read master volume", err)
		return false
	}

	if !drifted(current, e.target, e.tolerance) {
		return true
	}

	if err := e.controller.SetMasterVolume(e.target); err != nil {
		e.fail("Failed to restore master volume", err)
		return false
	}

	e.corrections.Add(1)
	e.logger.Infow("Restored master volume", "from", current, "to", e.target)

	return true
}

func (e *Enforcer) enforceApp(lock AppLock) bool {
	if e.resolvePIDs == nil {
		return true
	}

	pids, err := e.resolvePIDs(lock.Name)
	if err != nil {
		e.fail("Failed to resolve process ids", err, "name", lock.Name)
		return false
	}

	ok := true

	for _, pid := range pids {
		current, err := e.controller.ApplicationVolume(pid)
		if errors.Is(err, audio.ErrSessionNotFound) {
			// the process just isn't playing anything right now
			continue
		}

		if err != nil {
			e.fail("Failed to read application volume", err, "name", lock.Name, "pid", pid)
			ok = false

			continue
		}

		if !drifted(current, lock.Target, e.tolerance) {
			continue
		}

		err = e.controller.SetApplicationVolume(pid, lock.Target)
		if errors.Is(err, audio.ErrSessionNotFound) {
			continue
		}

		if err != nil {
			e.fail("Failed to restore application volume", err, "name", lock.Name, "pid", pid)
			ok = false

			continue
		}

		e.corrections.Add(1)
		e.logger.Infow("Restored application volume", "name", lock.Name, "pid", pid, "from", current, "to", lock.Target)
	}

	return ok
}

// the first failure in a row is a warning, repeats every interval would only flood the log
func (e *Enforcer) fail(msg string, err error, keysAndValues ...interface{}) {
	e.failures.Add(1)

	keysAndValues = append(keysAndValues, "error", err)

	if e.failing {
		e.logger.Debugw(msg, keysAndValues...)
		return
	}

	e.logger.Warnw(msg, keysAndValues...)
}

func drifted(current, target, tolerance float32) bool {
	return math.Abs(float64(target-current)) > float64(tolerance)
}

func normalizeLocks(locks []AppLock) []AppLock {
	normalized := make([]AppLock, 0, len(locks))

	for _, lock := range locks {
		if lock.Name == "" {
			continue
		}

		normalized = append(normalized, AppLock{Name: lock.Name, Target: clampPercent(lock.Target)})
	}

	return normalized
}

func clampPercent(v float32) float32 {
	// NaN would never count as drifted and silently disable enforcement
	if math.IsNaN(float64(v)) {
		return 0
	}

	if v < 0 {
		return 0
	}

	if v > 100 {
		return 100
	}

	return v
}
