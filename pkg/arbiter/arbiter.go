package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Decision is the verdict of a Source.
type Decision int

const (
	// Ignore leaves the session locked.
	Ignore Decision = iota
	// Unlock unlocks the session.
	Unlock
)

func (d Decision) String() string {
	if d == Unlock {
		return "unlock"
	}
	return "ignore"
}

// SurfaceEvent is a lifecycle event of the lock surface.
type SurfaceEvent int

const (
	// Locked means the session is locked and the surface is shown.
	Locked SurfaceEvent = iota + 1
	// Failed means the session could not be locked.
	Failed
	// Unlocked means the surface confirmed the unlock.
	Unlocked
)

func (e SurfaceEvent) String() string {
	switch e {
	case Locked:
		return "locked"
	case Failed:
		return "failed"
	case Unlocked:
		return "unlocked"
	}

	return fmt.Sprintf("SurfaceEvent(%d)", int(e))
}

// PasswordResult is the result of a submitted password.
type PasswordResult int

const (
	Accepted PasswordResult = iota + 1
	// WrongPassword means the password was rejected. The surface should clear the input and let
	// the user try again; other sources keep running.
	WrongPassword
)

func (r PasswordResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case WrongPassword:
		return "wrong-password"
	}

	return fmt.Sprintf("PasswordResult(%d)", int(r))
}

var (
	// ErrLockFailed is returned by Run when the surface failed to lock the session.
	ErrLockFailed = errors.New("failed to lock session")
	// ErrSurfaceClosed is returned by Run when the surface stopped sending events before the
	// session was unlocked.
	ErrSurfaceClosed = errors.New("lock surface closed before unlock")
)

// Surface is the lock surface that can be asked to unlock the session.
type Surface interface {
	Unlock() error
}

// PasswordChecker verifies a password of the current user. Check may block.
type PasswordChecker interface {
	Check(password string) bool
}

// Source decides independently whether the session should be unlocked. It is started once the
// session is locked and should return when ctx is done. An error counts as Ignore.
type Source func(ctx context.Context) (Decision, error)

type Options struct {
	Logger *slog.Logger
}

type decision struct {
	source   string
	decision Decision
}

type namedSource struct {
	name   string
	source Source
}

// Arbiter issues a single unlock to the surface once any source authenticates.
type Arbiter struct {
	surface Surface
	checker PasswordChecker
	logger  *slog.Logger

	decisions chan decision
	done      chan struct{}

	wg sync.WaitGroup

	mu       sync.Mutex
	sources  []namedSource
	runCtx   context.Context
	started  bool
	finished bool
}

func New(surface Surface, checker PasswordChecker, opts Options) *Arbiter {
	a := &Arbiter{
		surface:   surface,
		checker:   checker,
		logger:    opts.Logger,
		decisions: make(chan decision, 8),
		done:      make(chan struct{}),
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	return a
}

// AddSource registers a source. Sources added after the session locked start right away.
func (a *Arbiter) AddSource(name string, src Source) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}

	s := namedSource{name: name, source: src}
	a.sources = append(a.sources, s)
	if a.started {
		a.start(s)
	}
}

// SubmitPassword checks the password on its own goroutine. The returned channel receives the
// result once. An accepted password unlocks the session.
func (a *Arbiter) SubmitPassword(password string) <-chan PasswordResult {
	result := make(chan PasswordResult, 1)

	go func() {
		if !a.checker.Check(password) {
			a.logger.Info("Wrong password")
			result <- WrongPassword
			return
		}

		a.logger.Info("Password accepted")
		result <- Accepted
		a.decide(decision{source: "password", decision: Unlock})
	}()

	return result
}

// Run follows the surface's events until the session is unlocked. It returns nil once the surface
// reports Unlocked, ErrLockFailed when locking failed and ErrSurfaceClosed when events is closed
// before that. Sources are cancelled when Run returns.
//
// Run may be called only once.
func (a *Arbiter) Run(ctx context.Context, events <-chan SurfaceEvent) error {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.runCtx != nil {
		a.mu.Unlock()
		cancel()
		return errors.New("arbiter: Run called twice")
	}
	a.runCtx = ctx
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.finished = true
		a.mu.Unlock()

		cancel()
		close(a.done)
	}()

	var locked, unlocking bool
	// pendingUnlock is the source that decided to unlock before the session locked.
	var pendingUnlock string
	unlock := func(source string) error {
		unlocking = true
		a.logger.Info("Unlocking session", "source", source)
		if err := a.surface.Unlock(); err != nil {
			return fmt.Errorf("failed to unlock session: %w", err)
		}

		return nil
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrSurfaceClosed
			}

			a.logger.Debug("Lock surface event", "event", ev)

			switch ev {
			case Locked:
				if locked {
					continue
				}
				locked = true
				a.logger.Info("Session locked")
				a.startAll()

				if pendingUnlock != "" && !unlocking {
					if err := unlock(pendingUnlock); err != nil {
						return err
					}
				}
			case Failed:
				return ErrLockFailed
			case Unlocked:
				a.logger.Info("Session unlocked")
				return nil
			}
		case d := <-a.decisions:
			a.logger.Info("Source decided", "source", d.source, "decision", d.decision)
			if d.decision != Unlock || unlocking {
				continue
			}
			if !locked {
				if pendingUnlock == "" {
					pendingUnlock = d.source
				}
				continue
			}
			if err := unlock(d.source); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until all started sources have returned.
func (a *Arbiter) Wait() {
	a.wg.Wait()
}

func (a *Arbiter) startAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.started = true
	for _, s := range a.sources {
		a.start(s)
	}
}

// start runs a source. Holding the mu mutex is required.
func (a *Arbiter) start(s namedSource) {
	ctx := a.runCtx

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		d, err := s.source(ctx)
		if err != nil {
			a.logger.Warn("Unlock source failed", "source", s.name, "error", err)
			d = Ignore
		}
		a.decide(decision{source: s.name, decision: d})
	}()
}

func (a *Arbiter) decide(d decision) {
	select {
	case a.decisions <- d:
	case <-a.done:
	}
}
