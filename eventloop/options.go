// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/fiber-net-gateway/asyncrt/poller"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger              *zerolog.Logger
	poller              poller.Poller
	strictTimerOrdering bool
	metricsEnabled      bool
	signalPollInterval  time.Duration
	framePoolBudget     float64
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger to the loop. Log lines are
// emitted at Debug for routine lifecycle events (timer armed/fired/canceled,
// fd watch changes) and Error for recovered command panics. The default is
// the package-wide logger set via SetGlobalLogger, itself a no-op until
// configured.
func WithLogger(logger zerolog.Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = &logger
		return nil
	}}
}

// WithPoller overrides the platform-default readiness poller. Intended for
// tests that want to drive the loop against a fake Poller instead of real
// file descriptors.
func WithPoller(p poller.Poller) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.poller = p
		return nil
	}}
}

// WithStrictTimerOrdering records a tie-breaking preference for timers that
// share an identical deadline. The timer heap always breaks such ties by
// insertion order and does not consult this setting, so neither value
// changes the order in which timers fire.
func WithStrictTimerOrdering(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.strictTimerOrdering = enabled
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop. When enabled,
// metrics can be read back via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithSignalPollInterval overrides the SignalService dispatcher's
// sigtimedwait timeout. Shorter intervals reduce signal-delivery latency at
// the cost of more frequent dispatcher wakeups; the default is 100ms.
func WithSignalPollInterval(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.signalPollInterval = d
		return nil
	}}
}

// WithFramePoolBudget caps the loop's scratch-buffer pool at fraction of the
// host's total physical memory, freeing released frames past the cap to the
// garbage collector instead of retaining them. fraction <= 0 (the default)
// leaves the pool unbounded.
func WithFramePoolBudget(fraction float64) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.framePoolBudget = fraction
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		signalPollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
