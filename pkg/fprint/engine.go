package fprint

import (
	"context"
	"errors"
	"fmt"
	"github.com/sethvargo/go-retry"
	"io"
	"log/slog"
	"time"
)

const (
	// CurrentUser claims the device for the user owning the bus connection. fprintd recommends it
	// over passing the username explicitly.
	CurrentUser = ""
	// AnyFinger accepts every enrolled finger.
	AnyFinger = "any"

	// cleanupTimeout bounds the best-effort VerifyStop and Release calls.
	cleanupTimeout = 2 * time.Second
)

// SleepWatcher reports suspend and resume of the system.
type SleepWatcher interface {
	// WatchPrepareForSleep yields true before the system sleeps and false after it resumed.
	WatchPrepareForSleep() (<-chan bool, func(), error)
	// AwaitResume blocks until the system resumed.
	AwaitResume(ctx context.Context)
}

// SleepDelayer takes locks that delay a suspend until they are closed.
type SleepDelayer interface {
	DelaySleep(why string) (io.Closer, error)
}

// IdleWatcher reports the seat going idle and becoming active again.
type IdleWatcher interface {
	Idle() <-chan struct{}
	Active() <-chan struct{}
}

type Options struct {
	// AwaitWakeup waits for the system to resume before touching the reader. Some readers need a
	// moment after resume and report errors when verification starts right away.
	AwaitWakeup bool

	// DelaySleep, when set, is used to hold a delay lock while verifying so that VerifyStop reaches
	// the reader before the system suspends. The lock is not held while verification is paused.
	DelaySleep SleepDelayer

	// Idle, when set, pauses verification while the seat is idle.
	Idle IdleWatcher

	// Backoff returns the policy for waiting between consecutive attempts that ended with
	// UnknownError. When the policy stops, the engine gives up. Nil restarts immediately.
	Backoff func() retry.Backoff

	Logger *slog.Logger
}

// Engine runs fingerprint verification until a match. An Engine runs once; Run must not be
// called concurrently.
type Engine struct {
	manager    Manager
	sleep      SleepWatcher
	opts       Options
	logger     *slog.Logger
	sleepDelay io.Closer
}

func NewEngine(manager Manager, sleep SleepWatcher, opts Options) *Engine {
	e := &Engine{
		manager: manager,
		sleep:   sleep,
		opts:    opts,
		logger:  opts.Logger,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	return e
}

var errBackoffExhausted = errors.New("giving up after repeated unknown errors")

// Run verifies fingerprints until a finger matches, in which case it returns true, or until the
// reader can not be used, in which case it returns false. A false result is not an error: the
// password remains available to unlock.
//
// The device is released on every return after it has been claimed.
func (e *Engine) Run(ctx context.Context) bool {
	if e.opts.AwaitWakeup {
		e.sleep.AwaitResume(ctx)
	}

	device, err := e.manager.DefaultDevice(ctx)
	if err != nil {
		e.logger.Warn("No default fingerprint device, check if fprintd is installed", "error", err)
		return false
	}

	if err := device.Claim(ctx, CurrentUser); err != nil {
		e.logger.Info("Failed to claim fingerprint device", "error", err)
		return false
	}
	e.logger.Info("Claimed fingerprint device, starting verification")

	e.holdSleepDelay()
	defer e.releaseSleepDelay()

	var backoff retry.Backoff
	for {
		outcome, err := e.attempt(ctx, device)
		if err != nil {
			e.logger.Info("Fingerprint verification stopped", "error", err)
			e.release(ctx, device)
			return false
		}

		e.logger.Info("Verification attempt finished", "outcome", outcome)

		switch outcome {
		case Match:
			e.release(ctx, device)
			return true
		case Disconnected:
			e.logger.Warn("Fingerprint device disconnected")
			e.release(ctx, device)
			return false
		case NoMatch, UnexpectedWakeup:
			e.stop(ctx, device)
			backoff = nil
		case UnknownError:
			e.stop(ctx, device)
			if err := e.pause(ctx, &backoff); err != nil {
				e.logger.Info("Fingerprint verification stopped", "error", err)
				e.release(ctx, device)
				return false
			}
		case Suspended:
			e.logger.Info("Device suspending, pausing fingerprint verification")
			e.stop(ctx, device)
			e.releaseSleepDelay()
			e.sleep.AwaitResume(ctx)
			e.holdSleepDelay()
			backoff = nil
		case Idle:
			e.logger.Info("Seat idle, pausing fingerprint verification")
			e.stop(ctx, device)
			e.releaseSleepDelay()
			e.awaitActivity(ctx)
			e.holdSleepDelay()
			backoff = nil
		}

		if ctx.Err() != nil {
			e.release(ctx, device)
			return false
		}
	}
}

// attempt runs one VerifyStart until the attempt settles. Subscriptions are made before
// VerifyStart and torn down before returning, so a later attempt never sees signals of this one.
//
// An error means that no outcome was reached: the attempt could not start or ctx ended. In the
// latter case VerifyStop has been called.
func (e *Engine) attempt(ctx context.Context, device Device) (Outcome, error) {
	statuses, stopStatuses, err := device.WatchVerifyStatus()
	if err != nil {
		return 0, fmt.Errorf("failed to listen for verification status: %w", err)
	}
	defer stopStatuses()

	sleeps, stopSleeps, err := e.sleep.WatchPrepareForSleep()
	if err != nil {
		// Without sleep notifications a suspend shows up as an unknown error at worst.
		e.logger.Info("Failed to listen for sleep, continuing without", "error", err)
		sleeps = nil
	} else {
		defer stopSleeps()
	}

	if err := device.VerifyStart(ctx, AnyFinger); err != nil {
		return 0, err
	}

	outcome, err := e.settle(ctx, statuses, sleeps)
	if err != nil {
		e.stop(ctx, device)
		return 0, err
	}

	return outcome, nil
}

// settle waits for whichever of the status and sleep streams ends the attempt first.
func (e *Engine) settle(ctx context.Context, statuses <-chan VerifyStatus, sleeps <-chan bool) (Outcome, error) {
	var idle, active <-chan struct{}
	if e.opts.Idle != nil {
		idle = e.opts.Idle.Idle()
		active = e.opts.Idle.Active()
	}

	for {
		if statuses == nil && sleeps == nil {
			e.logger.Warn("Failed to listen for D-Bus events")
			return UnknownError, nil
		}

		select {
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			e.logger.Info("Verification status received", "result", status.Result, "done", status.Done)
			if outcome, final := ClassifyStatus(status.Result); final {
				return outcome, nil
			}
		case start, ok := <-sleeps:
			if !ok {
				sleeps = nil
				continue
			}
			e.logger.Info("Prepare for sleep", "start", start)
			if start {
				return Suspended, nil
			}
			return UnexpectedWakeup, nil
		case <-idle:
			return Idle, nil
		case <-active:
			// Activity while verifying needs no action.
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// pause waits before the next attempt according to the backoff policy. Sleep is not delayed
// while waiting.
func (e *Engine) pause(ctx context.Context, backoff *retry.Backoff) error {
	if e.opts.Backoff == nil {
		return nil
	}
	if *backoff == nil {
		*backoff = e.opts.Backoff()
	}

	delay, stop := (*backoff).Next()
	if stop {
		return errBackoffExhausted
	}
	if delay <= 0 {
		return nil
	}

	e.logger.Debug("Waiting before restarting verification", "delay", delay)

	e.releaseSleepDelay()
	defer e.holdSleepDelay()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) awaitActivity(ctx context.Context) {
	select {
	case <-e.opts.Idle.Active():
		e.logger.Info("Seat active, resuming fingerprint verification")
	case <-ctx.Done():
	}
}

// stop calls VerifyStop. Failure is expected when the device already stopped or disconnected.
func (e *Engine) stop(ctx context.Context, device Device) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := device.VerifyStop(ctx); err != nil {
		e.logger.Debug("Failed to stop verification", "error", err)
	}
}

// release gives up the claim on the device. Failure is ignored, the device may be gone.
func (e *Engine) release(ctx context.Context, device Device) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := device.Release(ctx); err != nil {
		e.logger.Debug("Failed to release fingerprint device", "error", err)
	}
}

func (e *Engine) holdSleepDelay() {
	if e.opts.DelaySleep == nil || e.sleepDelay != nil {
		return
	}

	lock, err := e.opts.DelaySleep.DelaySleep("Stop fingerprint verification before sleep")
	if err != nil {
		e.logger.Debug("Failed to take sleep delay lock", "error", err)
		return
	}
	e.sleepDelay = lock
}

func (e *Engine) releaseSleepDelay() {
	if e.sleepDelay == nil {
		return
	}

	if err := e.sleepDelay.Close(); err != nil {
		e.logger.Debug("Failed to release sleep delay lock", "error", err)
	}
	e.sleepDelay = nil
}
