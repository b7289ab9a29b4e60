package idle

import (
	"errors"
	"fmt"
	"github.com/MatthiasKunnen/go-wayland/wayland/client"
	idleNotify "github.com/MatthiasKunnen/go-wayland/wayland/staging/ext-idle-notify-v1"
	"log/slog"
	"sync"
	"time"
)

type Options struct {
	// Display is the Wayland display to connect to. Empty uses WAYLAND_DISPLAY.
	Display string
	Logger  *slog.Logger
}

// Watcher reports the seat going idle after a timeout and becoming active again.
//
// The Wayland connection is owned by the Watcher and only used from its own goroutine.
type Watcher struct {
	*transitions

	display      *client.Display
	registry     *client.Registry
	notifier     *idleNotify.IdleNotifier
	seat         *client.Seat
	notification *idleNotify.IdleNotification
	logger       *slog.Logger

	// The dispatch channel exists to synchronize the wayland communication which is not safe to
	// be done over multiple goroutines.
	dispatchChan chan func() error
	close        chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
	closeErr     error
}

// NewWaylandWatcher connects to the compositor and registers an idle notification with the given
// timeout.
func NewWaylandWatcher(timeout time.Duration, opts Options) (*Watcher, error) {
	timeoutMs, err := timeoutMillis(timeout)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		transitions:  newTransitions(),
		logger:       opts.Logger,
		dispatchChan: make(chan func() error),
		close:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	w.display, err = client.Connect(opts.Display)
	if err != nil {
		return nil, fmt.Errorf("error connecting to Wayland server: %w", err)
	}

	if err := w.bind(); err != nil {
		return nil, errors.Join(err, w.destroy())
	}

	w.notification, err = w.notifier.GetIdleNotification(timeoutMs, w.seat)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("unable to get idle notification: %w", err), w.destroy())
	}
	w.notification.SetIdledHandler(func(idleNotify.IdleNotificationIdledEvent) {
		w.logger.Debug("Seat idle")
		w.idled()
	})
	w.notification.SetResumedHandler(func(idleNotify.IdleNotificationResumedEvent) {
		w.logger.Debug("Seat active")
		w.resumed()
	})

	go w.pump()
	go w.loop()

	return w, nil
}

// bind looks up the idle notifier and the seat.
func (w *Watcher) bind() error {
	var err error
	w.registry, err = w.display.GetRegistry()
	if err != nil {
		return fmt.Errorf("error getting Wayland registry: %w", err)
	}

	var globalHandlerError error
	w.registry.SetGlobalHandler(func(e client.RegistryGlobalEvent) {
		switch e.Interface {
		case idleNotify.IdleNotifierInterfaceName:
			w.notifier = idleNotify.NewIdleNotifier(w.display.Context())
			err := w.registry.Bind(e.Name, idleNotify.IdleNotifierInterfaceName, e.Version, w.notifier)
			if err != nil {
				globalHandlerError = errors.Join(
					globalHandlerError,
					fmt.Errorf("unable to bind %s interface: %v", idleNotify.IdleNotifierInterfaceName, err),
				)
			}
		case client.SeatInterfaceName:
			if w.seat != nil {
				return
			}
			seat := client.NewSeat(w.display.Context())
			err := w.registry.Bind(e.Name, e.Interface, e.Version, seat)
			if err != nil {
				globalHandlerError = errors.Join(
					globalHandlerError,
					fmt.Errorf("unable to bind %s interface: %v", client.SeatInterfaceName, err),
				)
			}
			w.seat = seat
		}
	})

	// The second roundtrip makes sure the binds have been processed.
	for i := 1; i <= 2; i++ {
		if err := w.display.Roundtrip(); err != nil {
			return fmt.Errorf("failed roundtrip %d: %w", i, err)
		}
		if globalHandlerError != nil {
			return fmt.Errorf("error in registry GlobalHandler after roundtrip %d: %w", i, globalHandlerError)
		}
	}

	if w.notifier == nil {
		return errors.New("no notifier was set, ext-idle-notify might not be supported")
	}
	if w.seat == nil {
		return errors.New("compositor has no seat")
	}

	return nil
}

// pump reads events from the connection. Reading blocks, dispatching happens in loop.
func (w *Watcher) pump() {
	for {
		select {
		case w.dispatchChan <- w.display.Context().GetDispatch():
		case <-w.close:
			return
		}
	}
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case <-w.close:
			w.closeErr = w.destroy()
			return
		case dispatch := <-w.dispatchChan:
			if err := dispatch(); err != nil {
				select {
				case <-w.close:
				default:
					w.logger.Warn("Wayland dispatch failed, no longer watching idle", "error", err)
				}
				<-w.close
				w.closeErr = w.destroy()
				return
			}
		}
	}
}

// Idle receives when the seat has been idle for the timeout.
func (w *Watcher) Idle() <-chan struct{} {
	return w.idle
}

// Active receives when the seat is used again after having been idle.
func (w *Watcher) Active() <-chan struct{} {
	return w.active
}

// Close destroys the notification and closes the Wayland connection.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.close)
	})
	<-w.done

	return w.closeErr
}

// destroy releases all Wayland objects. Must be called from the goroutine owning the connection.
func (w *Watcher) destroy() error {
	var totalError error
	if w.notification != nil {
		if err := w.notification.Destroy(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf("failed to close wayland idle notification: %w", err))
		}
	}
	if w.notifier != nil {
		if err := w.notifier.Destroy(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf(
				"unable to destroy %s: %w",
				idleNotify.IdleNotifierInterfaceName,
				err,
			))
		}
	}
	if w.seat != nil {
		if err := w.seat.Release(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf("error releasing seat: %w", err))
		}
	}
	if err := w.display.Destroy(); err != nil {
		totalError = errors.Join(totalError, fmt.Errorf("error destroying display: %w", err))
	}
	if err := w.display.Context().Close(); err != nil {
		totalError = errors.Join(totalError, fmt.Errorf("error closing wayland connection: %w", err))
	}

	return totalError
}
