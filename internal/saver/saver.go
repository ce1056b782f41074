// Package saver coalesces bursts of save requests into infrequent writes.
//
// A Saver waits DelayTime after the latest trigger before writing, never lets
// dirty state go unsaved for longer than MaxInterval, and writes at most once
// per MinInterval unless forced. Only one save runs at a time.
package saver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
)

const (
	DelayTime   = 2000 * time.Millisecond
	MaxInterval = 10000 * time.Millisecond
	MinInterval = 1000 * time.Millisecond

	pendingDelay     = 100 * time.Millisecond
	starvationMargin = 100 * time.Millisecond
)

// Reason says what caused a save.
type Reason string

const (
	ReasonDelay     Reason = "delay"
	ReasonImmediate Reason = "immediate"
	ReasonForce     Reason = "force"
	ReasonPending   Reason = "pending"
	ReasonInterval  Reason = "interval"
)

// Result describes a completed save.
type Result struct {
	Timestamp time.Time
	Reason    Reason
}

// Request asks for a save. GetData is called when the save actually runs,
// which may be much later and on another goroutine.
type Request[T any] struct {
	GetData   func() T
	Immediate bool
	Force     bool
}

// Status is a point-in-time view of a Saver.
type Status struct {
	Saving        bool
	PendingSave   bool
	HasTimer      bool
	LastSave      time.Time
	SinceLastSave time.Duration
}

// Clock abstracts time so schedules can be driven in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Option[T any] func(*Saver[T])

func WithOnSuccess[T any](fn func(Result)) Option[T] {
	return func(s *Saver[T]) { s.onSuccess = fn }
}

func WithOnError[T any](fn func(error)) Option[T] {
	return func(s *Saver[T]) { s.onError = fn }
}

func WithLogger[T any](log *logger.Logger) Option[T] {
	return func(s *Saver[T]) { s.log = log }
}

func WithClock[T any](c Clock) Option[T] {
	return func(s *Saver[T]) { s.clock = c }
}

// Saver debounces calls to a save function.
type Saver[T any] struct {
	save      func(T) error
	clock     Clock
	log       *logger.Logger
	onSuccess func(Result)
	onError   func(error)

	mu         sync.Mutex
	idle       *sync.Cond // signalled when a save finishes
	getData    func() T
	timer      Timer
	timerGen   uint64
	saving     bool
	pending    bool
	hasSaved   bool
	lastSave   time.Time
	dirtySince time.Time
	disposed   bool
}

// New returns a Saver that persists through save.
func New[T any](save func(T) error, opts ...Option[T]) *Saver[T] {
	s := &Saver[T]{
		save:  save,
		clock: realClock{},
		log:   logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.idle = sync.NewCond(&s.mu)
	s.log = s.log.WithComponent("saver")
	return s
}

// TriggerSave records req.GetData as the latest state and schedules a save.
// Immediate and forced requests save on the calling goroutine. A forced
// request made while another save runs waits for it to finish and then
// saves.
func (s *Saver[T]) TriggerSave(req Request[T]) {
	if req.GetData == nil {
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.getData = req.GetData
	now := s.clock.Now()
	if s.dirtySince.IsZero() {
		s.dirtySince = now
	}

	if req.Immediate || req.Force {
		s.stopTimerLocked()
		s.mu.Unlock()
		reason := ReasonImmediate
		if req.Force {
			reason = ReasonForce
		}
		s.execute(reason, req.Force)
		return
	}

	// Never let a stream of triggers push the write past MaxInterval.
	remaining := s.deadlineLocked().Sub(now)
	if remaining <= 0 {
		s.stopTimerLocked()
		s.mu.Unlock()
		s.execute(ReasonInterval, false)
		return
	}
	delay, reason := DelayTime, ReasonDelay
	// Only a debounce already in progress is cut short. An isolated trigger
	// always waits the full delay.
	if s.timer != nil && remaining < delay {
		delay, reason = remaining, ReasonInterval
	}
	s.scheduleLocked(delay, reason)
	s.mu.Unlock()
}

// ForceSave saves the latest state now, ignoring MinInterval. It is a no-op
// if nothing was ever triggered.
func (s *Saver[T]) ForceSave() {
	s.mu.Lock()
	if s.disposed || s.getData == nil {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.mu.Unlock()
	s.execute(ReasonForce, true)
}

func (s *Saver[T]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Saving:      s.saving,
		PendingSave: s.pending,
		HasTimer:    s.timer != nil,
		LastSave:    s.lastSave,
	}
	if s.hasSaved {
		st.SinceLastSave = s.clock.Now().Sub(s.lastSave)
	}
	return st
}

// Dispose cancels any scheduled save. Later triggers are ignored; a save
// already running is allowed to finish.
func (s *Saver[T]) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.pending = false
	s.stopTimerLocked()
}

// deadlineLocked is the latest moment dirty state may stay unsaved.
func (s *Saver[T]) deadlineLocked() time.Time {
	ref := s.dirtySince
	if s.hasSaved {
		ref = s.lastSave
	}
	return ref.Add(MaxInterval - starvationMargin)
}

func (s *Saver[T]) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Saver[T]) scheduleLocked(d time.Duration, reason Reason) {
	s.stopTimerLocked()
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.timerGen || s.disposed {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.execute(reason, false)
	})
}

func (s *Saver[T]) execute(reason Reason, force bool) {
	s.mu.Lock()
	if s.disposed || s.getData == nil {
		s.mu.Unlock()
		return
	}
	if s.saving {
		if !force {
			s.pending = true
			s.mu.Unlock()
			return
		}
		for s.saving {
			s.idle.Wait()
		}
		if s.disposed {
			s.mu.Unlock()
			return
		}
		// This save carries the latest state, so a queued follow-up is moot.
		s.stopTimerLocked()
		s.pending = false
	}
	start := s.clock.Now()
	if !force && s.hasSaved && start.Sub(s.lastSave) < MinInterval {
		s.mu.Unlock()
		s.log.Debug("skipping save inside min interval", zap.String("reason", string(reason)))
		return
	}
	getData := s.getData
	s.saving = true
	s.mu.Unlock()

	err := s.save(getData())

	s.mu.Lock()
	s.saving = false
	s.idle.Broadcast()
	if err == nil {
		s.hasSaved = true
		s.lastSave = start
		s.dirtySince = time.Time{}
	}
	if s.pending && !s.disposed {
		// The follow-up lands after the min interval so it is not skipped.
		delay := pendingDelay
		if err == nil {
			if wait := MinInterval - s.clock.Now().Sub(start); wait > delay {
				delay = wait
			}
		}
		s.scheduleLocked(delay, ReasonPending)
	}
	s.pending = false
	onSuccess, onError := s.onSuccess, s.onError
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("save failed", zap.String("reason", string(reason)), zap.Error(err))
		if onError != nil {
			onError(err)
		}
		return
	}
	s.log.Debug("saved", zap.String("reason", string(reason)))
	if onSuccess != nil {
		onSuccess(Result{Timestamp: start, Reason: reason})
	}
}
