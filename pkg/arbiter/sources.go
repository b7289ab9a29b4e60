package arbiter

import (
	"context"
	"fmt"
	"golang.org/x/sys/unix"
	"os"
	"os/signal"
)

// SignalSource unlocks when the process receives one of the signals, SIGUSR1 when none are given.
//
// The signals are caught from the moment SignalSource is called, so a signal received before the
// session locked unlocks it as soon as it is locked.
func SignalSource(signals ...os.Signal) Source {
	if len(signals) == 0 {
		signals = []os.Signal{unix.SIGUSR1}
	}

	received := make(chan os.Signal, 1)
	signal.Notify(received, signals...)

	return func(ctx context.Context) (Decision, error) {
		defer signal.Stop(received)

		select {
		case <-received:
			return Unlock, nil
		case <-ctx.Done():
			return Ignore, nil
		}
	}
}

// Verifier runs a verification and reports whether it succeeded.
type Verifier interface {
	Run(ctx context.Context) bool
}

// FingerprintSource unlocks when the verifier, usually a fprint.Engine, reports a match.
func FingerprintSource(verifier Verifier) Source {
	return func(ctx context.Context) (Decision, error) {
		if verifier.Run(ctx) {
			return Unlock, nil
		}

		return Ignore, nil
	}
}

// UnlockNotifier relays requests to unlock the session, such as logind's Unlock signal.
type UnlockNotifier interface {
	AddUnlockSignal(c chan<- struct{}) error
	RemoveUnlockSignal(c chan<- struct{}) error
}

// SessionUnlockSource unlocks when the session manager asks to unlock the session, for example
// through `loginctl unlock-session`.
func SessionUnlockSource(session UnlockNotifier) Source {
	return func(ctx context.Context) (Decision, error) {
		unlock := make(chan struct{}, 1)
		if err := session.AddUnlockSignal(unlock); err != nil {
			return Ignore, fmt.Errorf("failed to listen for session unlock: %w", err)
		}
		defer func() {
			_ = session.RemoveUnlockSignal(unlock)
		}()

		select {
		case <-unlock:
			return Unlock, nil
		case <-ctx.Done():
			return Ignore, nil
		}
	}
}
