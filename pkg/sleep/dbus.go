package sleep

import (
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const (
	dbusDest             = "org.freedesktop.login1"
	dbusManagerInterface = "org.freedesktop.login1.Manager"
	dbusPath             = "/org/freedesktop/login1"

	prepareForSleepMember = "PrepareForSleep"
)

// busConn is the part of *dbus.Conn used by the Monitor.
type busConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

type Options struct {
	Logger *slog.Logger
}

// Monitor delivers PrepareForSleep notifications. It borrows the bus connection; closing the
// Monitor does not close the connection.
//
// It is safe to call Monitor's methods concurrently.
type Monitor struct {
	conn               busConn
	login1             dbus.BusObject
	logger             *slog.Logger
	signals            chan *dbus.Signal
	closeSignalHandler chan struct{}
	closeOnce          sync.Once

	muSignals           sync.Mutex
	prepareForSleepSubs map[chan<- bool]struct{}
	matchActive         bool
	terminated          bool
}

// New creates a Monitor on the given system bus connection.
func New(conn *dbus.Conn, opts Options) (*Monitor, error) {
	if conn == nil {
		return nil, errors.New("sleep.New: connection cannot be nil")
	}

	return newMonitor(conn, opts), nil
}

func newMonitor(conn busConn, opts Options) *Monitor {
	m := &Monitor{
		conn:                conn,
		login1:              conn.Object(dbusDest, dbusPath),
		logger:              opts.Logger,
		signals:             make(chan *dbus.Signal, 16),
		closeSignalHandler:  make(chan struct{}),
		prepareForSleepSubs: make(map[chan<- bool]struct{}),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	conn.Signal(m.signals)
	go func() {
		for {
			select {
			case <-m.closeSignalHandler:
				conn.RemoveSignal(m.signals)
				return
			case v, ok := <-m.signals:
				if !ok {
					// The connection was closed.
					m.terminate()
					return
				}
				m.handleIncomingSignal(v)
			}
		}
	}()

	return m
}

func (m *Monitor) handleIncomingSignal(s *dbus.Signal) {
	if s == nil || s.Path != m.login1.Path() {
		return
	}
	if s.Name != dbusManagerInterface+"."+prepareForSleepMember {
		return
	}

	if len(s.Body) < 1 {
		m.logger.Warn("PrepareForSleep signal without arguments")
		return
	}
	start, ok := s.Body[0].(bool)
	if !ok {
		m.logger.Warn("PrepareForSleep signal, body[0] is not a boolean", "body", s.Body)
		return
	}

	m.logger.Debug("Prepare for sleep", "start", start)

	m.muSignals.Lock()
	defer m.muSignals.Unlock()

	for c := range m.prepareForSleepSubs {
		select {
		case c <- start:
		default:
		}
	}
}

// terminate closes all channels created by WatchPrepareForSleep and forgets them. Later
// subscriptions fail.
func (m *Monitor) terminate() {
	m.muSignals.Lock()
	defer m.muSignals.Unlock()

	m.closeSubscribers()
}

// closeSubscribers closes and forgets all subscriber channels.
// Holding the muSignals mutex is required.
func (m *Monitor) closeSubscribers() {
	m.terminated = true
	for c := range m.prepareForSleepSubs {
		close(c)
	}
	clear(m.prepareForSleepSubs)
}

func (m *Monitor) subscribe(c chan<- bool) error {
	m.muSignals.Lock()
	defer m.muSignals.Unlock()

	if m.terminated {
		return errors.New("sleep monitor is closed")
	}

	if !m.matchActive {
		if err := m.conn.AddMatchSignal(prepareForSleepMatch()...); err != nil {
			return fmt.Errorf("failed to register Dbus PrepareForSleep signal: %w", err)
		}
		m.matchActive = true
	}

	m.prepareForSleepSubs[c] = struct{}{}

	return nil
}

// unsubscribe forgets the channel and removes the match rule with the last subscriber. The
// channel is closed unless the Monitor closed it already.
func (m *Monitor) unsubscribe(c chan<- bool) error {
	m.muSignals.Lock()
	defer m.muSignals.Unlock()

	if _, ok := m.prepareForSleepSubs[c]; !ok {
		return nil
	}
	delete(m.prepareForSleepSubs, c)
	close(c)

	if len(m.prepareForSleepSubs) == 0 {
		return m.removePrepareForSleepSignal()
	}

	return nil
}

// removePrepareForSleepSignal removes the match rule if it was registered.
// Holding the muSignals mutex is required.
func (m *Monitor) removePrepareForSleepSignal() error {
	if !m.matchActive {
		return nil
	}

	if err := m.conn.RemoveMatchSignal(prepareForSleepMatch()...); err != nil {
		return fmt.Errorf("failed to remove Dbus PrepareForSleep signal: %w", err)
	}
	m.matchActive = false

	return nil
}

// WatchPrepareForSleep subscribes a new channel that yields true when the system wants to sleep
// and false after it resumed. The returned function ends the subscription. The channel is closed
// when the subscription ends, the Monitor is closed or the bus connection goes away. Every call
// creates a separate subscription.
func (m *Monitor) WatchPrepareForSleep() (<-chan bool, func(), error) {
	c := make(chan bool, 4)
	if err := m.subscribe(c); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := m.unsubscribe(c); err != nil {
				m.logger.Debug("Failed to unsubscribe from PrepareForSleep", "error", err)
			}
		})
	}

	return c, stop, nil
}

// AwaitResume blocks until the system reports that it resumed from sleep.
// Notifications that the system is about to sleep are skipped; there is at most one of those
// before the resume.
//
// Failing to subscribe is not fatal, AwaitResume then returns immediately. The worst outcome of
// returning early is a verification attempt that fails and gets restarted.
func (m *Monitor) AwaitResume(ctx context.Context) {
	transitions, stop, err := m.WatchPrepareForSleep()
	if err != nil {
		m.logger.Info("Failed to wait for wakeup, continuing", "error", err)
		return
	}
	defer stop()

	m.logger.Info("Waiting for wakeup")

	for {
		select {
		case start, ok := <-transitions:
			if !ok {
				m.logger.Info("Lost PrepareForSleep stream while waiting for wakeup")
				return
			}
			if !start {
				m.logger.Info("Device awake")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close permanently stops processing signals and closes the channels of all watches. Discard the
// Monitor afterward.
func (m *Monitor) Close() error {
	m.muSignals.Lock()
	defer m.muSignals.Unlock()

	m.closeSubscribers()
	err := m.removePrepareForSleepSignal()

	m.closeOnce.Do(func() {
		close(m.closeSignalHandler)
	})

	return err
}

func prepareForSleepMatch() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(dbusPath),
		dbus.WithMatchInterface(dbusManagerInterface),
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchMember(prepareForSleepMember),
	}
}

// What is an operation that can be inhibited, such as "sleep" or "shutdown".
type What string

const WhatSleep What = "sleep"

// Mode is "block" or "delay".
type Mode string

const ModeDelay Mode = "delay"

// Inhibit creates an inhibition lock.
//   - who is a short human-readable string identifying the application taking the lock.
//   - why is a short human-readable string identifying the reason why the lock is taken.
//   - mode determines whether the inhibition blocks the operation or only delays it.
//   - what is one or more of the actions that should be inhibited.
//
// The lock is released when the returned Closer is closed.
func (m *Monitor) Inhibit(who string, why string, mode Mode, what ...What) (io.Closer, error) {
	if len(what) == 0 {
		return nil, errors.New("Inhibit: at least one What is required")
	}

	var fd dbus.UnixFD

	err := m.login1.
		Call(dbusManagerInterface+".Inhibit", 0, joinWhat(what), who, why, string(mode)).
		Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("failed to create inhibit lock: %w", err)
	}

	return os.NewFile(uintptr(fd), "inhibit"), nil
}

// DelaySleep takes a delay lock on sleep. logind waits for the lock to be closed, up to its
// InhibitDelayMaxSec, before suspending.
func (m *Monitor) DelaySleep(why string) (io.Closer, error) {
	return m.Inhibit("shackle", why, ModeDelay, WhatSleep)
}

func joinWhat(elems []What) string {
	parts := make([]string, len(elems))
	for i, elem := range elems {
		parts[i] = string(elem)
	}

	return strings.Join(parts, ":")
}
