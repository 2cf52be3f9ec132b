// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package pollmux

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// ReadyFunc receives one readiness notification per ready descriptor per
// dispatch iteration. The events value always carries EdgeTriggered.
//
// ReadyFunc is invoked on the dispatching goroutine, after the shared-state
// lock (if any) has been reacquired.
type ReadyFunc func(fd int, events Events)

// backendOptions holds configuration options for Backend creation.
type backendOptions struct {
	sink         ReadyFunc
	locker       sync.Locker
	logger       *logiface.Logger[logiface.Event]
	source       ChangeSource
	preciseTimer bool
	coarseClock  bool
	changelist   bool
	ignoreEnv    bool
	metrics      bool
}

// Option configures a Backend instance.
type Option interface {
	applyBackend(*backendOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyBackendFunc func(*backendOptions) error
}

func (o *optionImpl) applyBackend(opts *backendOptions) error {
	return o.applyBackendFunc(opts)
}

// WithReadySink sets the readiness sink. A sink is required; New fails with
// ErrNoSink if none is configured.
func WithReadySink(sink ReadyFunc) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.sink = sink
		return nil
	}}
}

// WithLocker sets the shared-state lock of the surrounding event loop. When
// set, Dispatch unlocks it immediately before the blocking kernel wait and
// relocks it immediately after, so other goroutines can register interest
// while the wait is outstanding. Dispatch must be called with the lock held.
func WithLocker(l sync.Locker) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.locker = l
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPreciseTimer requests high-resolution timeout handling. When enabled
// and the monotonic clock qualifies (see WithCoarseMonotonicClock), the
// backend creates a timerfd and arms it per dispatch instead of relying on
// epoll_wait's millisecond timeout clamp. Failure to create the timerfd is
// non-fatal; the backend falls back to millisecond granularity.
func WithPreciseTimer(enabled bool) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.preciseTimer = enabled
		return nil
	}}
}

// WithCoarseMonotonicClock declares that the surrounding loop's monotonic
// timekeeping uses a coarse clock. A timerfd on CLOCK_MONOTONIC would not
// agree with coarse timestamps, so precise timing is skipped in that case.
func WithCoarseMonotonicClock(coarse bool) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.coarseClock = coarse
		return nil
	}}
}

// WithChangelist selects the batched registration strategy: Register and
// Unregister queue changes onto a changelist which Dispatch flushes at the
// start of each iteration. The default is the immediate strategy, one control
// syscall per call. The UseChangelistEnv environment variable also selects
// the batched strategy unless WithIgnoreEnv is set.
func WithChangelist(enabled bool) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.changelist = enabled
		return nil
	}}
}

// WithChangeSource supplies an external pending-change collaborator for the
// batched strategy, instead of the internally-owned Changelist. Implies
// WithChangelist(true).
func WithChangeSource(source ChangeSource) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.source = source
		opts.changelist = source != nil
		return nil
	}}
}

// WithIgnoreEnv disables reading UseChangelistEnv from the environment.
func WithIgnoreEnv(ignore bool) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.ignoreEnv = ignore
		return nil
	}}
}

// WithMetrics enables runtime counters, accessible via Backend.Stats().
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *backendOptions) error {
		opts.metrics = enabled
		return nil
	}}
}

// resolveOptions applies Option instances to backendOptions.
func resolveOptions(opts []Option) (*backendOptions, error) {
	cfg := &backendOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyBackend(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
