package main

import (
	"context"
	"github.com/MatthiasKunnen/shackle/pkg/arbiter"
	"log/slog"
	"sync"
)

type lockedHint interface {
	SetLocked(locked bool) error
	AddLockedSignal(c chan<- bool) error
	RemoveLockedSignal(c chan<- bool) error
}

type keyLocker interface {
	Lock(ctx context.Context, collections ...string) error
}

// sessionSurface is a lock surface without a screen. It records the lock state in logind's
// LockedHint, so that the desktop and other tools see the session as locked, and locks the
// keyring. Input comes from the terminal prompt.
//
// While locked, LockedHint is set again when another program clears it.
type sessionSurface struct {
	// hint and keyring are optional.
	hint        lockedHint
	keyring     keyLocker
	collections []string
	logger      *slog.Logger
	events      chan arbiter.SurfaceEvent

	// unlocked is closed once Unlock is called.
	unlocked   chan struct{}
	unlockOnce sync.Once
}

func newSessionSurface(logger *slog.Logger) *sessionSurface {
	return &sessionSurface{
		logger: logger,
		events:   make(chan arbiter.SurfaceEvent, 4),
		unlocked: make(chan struct{}),
	}
}

func (s *sessionSurface) Events() <-chan arbiter.SurfaceEvent {
	return s.events
}

// Lock marks the session as locked. When logind refuses the hint, the session does not count as
// locked and Failed is reported.
func (s *sessionSurface) Lock(ctx context.Context) {
	if s.hint != nil {
		changes := make(chan bool, 4)
		if err := s.hint.AddLockedSignal(changes); err != nil {
			s.logger.Warn("Failed to follow LockedHint, it is not set again when cleared", "error", err)
			changes = nil
		}

		if err := s.hint.SetLocked(true); err != nil {
			s.logger.Error("Failed to mark session as locked", "error", err)
			if changes != nil {
				_ = s.hint.RemoveLockedSignal(changes)
			}
			s.events <- arbiter.Failed
			return
		}

		if changes != nil {
			go s.keepLocked(ctx, changes)
		}
	}

	if s.keyring != nil && len(s.collections) > 0 {
		if err := s.keyring.Lock(ctx, s.collections...); err != nil {
			s.logger.Warn("Failed to lock keyring", "error", err)
		}
	}

	s.events <- arbiter.Locked
}

// keepLocked sets LockedHint again whenever it is cleared before Unlock.
func (s *sessionSurface) keepLocked(ctx context.Context, changes chan bool) {
	defer func() {
		if err := s.hint.RemoveLockedSignal(changes); err != nil {
			s.logger.Debug("Failed to stop following LockedHint", "error", err)
		}
	}()

	for {
		select {
		case locked := <-changes:
			if locked {
				continue
			}
			select {
			case <-s.unlocked:
				return
			default:
			}

			s.logger.Warn("LockedHint was cleared while locked, setting it again")
			if err := s.hint.SetLocked(true); err != nil {
				s.logger.Warn("Failed to mark session as locked", "error", err)
			}
		case <-s.unlocked:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Unlock marks the session as unlocked and confirms right away.
func (s *sessionSurface) Unlock() error {
	s.unlockOnce.Do(func() {
		close(s.unlocked)
		if s.hint != nil {
			if err := s.hint.SetLocked(false); err != nil {
				s.logger.Warn("Failed to mark session as unlocked", "error", err)
			}
		}

		s.events <- arbiter.Unlocked
	})

	return nil
}
