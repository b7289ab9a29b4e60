package lock

import (
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"log/slog"
	"os"
	"sync"
)

const (
	dbusDest             = "org.freedesktop.login1"
	dbusPath             = "/org/freedesktop/login1"
	dbusManagerInterface = "org.freedesktop.login1.Manager"
	dbusSessionInterface = "org.freedesktop.login1.Session"
	propertiesInterface  = "org.freedesktop.DBus.Properties"

	unlockMember            = "Unlock"
	propertiesChangedMember = "PropertiesChanged"
)

// busConn is the part of *dbus.Conn used by Session.
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

// Session is a logind session on a borrowed system bus connection. Closing the Session does not
// close the connection.
//
// Signal channels are written without blocking. Use a buffered channel to not miss anything.
//
// It is safe to call Session's methods concurrently.
type Session struct {
	conn               busConn
	session            dbus.BusObject
	logger             *slog.Logger
	signals            chan *dbus.Signal
	closeSignalHandler chan struct{}
	closeOnce          sync.Once

	muSignals         sync.Mutex
	unlockSignals     map[chan<- struct{}]struct{}
	lockedHintSignals map[chan<- bool]struct{}
	// activeMatches holds the members whose match rule is registered.
	activeMatches map[string]bool
}

// NewDbusSession looks up the session with the given ID. sessionID is usually the XDG_SESSION_ID
// env var. When empty, the session of this process is used.
func NewDbusSession(conn *dbus.Conn, sessionID string, opts Options) (*Session, error) {
	if conn == nil {
		return nil, errors.New("NewDbusSession: connection cannot be nil")
	}

	return newDbusSession(context.Background(), conn, sessionID, opts)
}

func newDbusSession(ctx context.Context, conn busConn, sessionID string, opts Options) (*Session, error) {
	login1 := conn.Object(dbusDest, dbusPath)

	var sessionPath dbus.ObjectPath
	var call *dbus.Call
	if sessionID == "" {
		call = login1.CallWithContext(ctx, dbusManagerInterface+".GetSessionByPID", 0, uint32(os.Getpid()))
	} else {
		call = login1.CallWithContext(ctx, dbusManagerInterface+".GetSession", 0, sessionID)
	}
	if err := call.Store(&sessionPath); err != nil {
		return nil, fmt.Errorf("failed to find session object: %w", err)
	}

	s := &Session{
		conn:               conn,
		session:            conn.Object(dbusDest, sessionPath),
		logger:             opts.Logger,
		signals:            make(chan *dbus.Signal, 16),
		closeSignalHandler: make(chan struct{}),
		unlockSignals:      make(map[chan<- struct{}]struct{}),
		lockedHintSignals:  make(map[chan<- bool]struct{}),
		activeMatches:      make(map[string]bool),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", sessionPath)

	conn.Signal(s.signals)
	go func() {
		for {
			select {
			case <-s.closeSignalHandler:
				conn.RemoveSignal(s.signals)
				return
			case v, ok := <-s.signals:
				if !ok {
					return
				}
				s.handleIncomingSignal(v)
			}
		}
	}()

	return s, nil
}

// Path returns the object path of the session.
func (s *Session) Path() dbus.ObjectPath {
	return s.session.Path()
}

// SetLocked sets the session's LockedHint.
func (s *Session) SetLocked(locked bool) error {
	err := s.session.Call(dbusSessionInterface+".SetLockedHint", 0, locked).Err
	if err != nil {
		return fmt.Errorf("could not set locked hint: %w", err)
	}

	return nil
}

// AddUnlockSignal registers a channel notified when the session is asked to unlock.
func (s *Session) AddUnlockSignal(c chan<- struct{}) error {
	if c == nil {
		return errors.New("AddUnlockSignal: channel cannot be nil")
	}

	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if err := s.addMatch(unlockMember); err != nil {
		return err
	}
	s.unlockSignals[c] = struct{}{}

	return nil
}

// RemoveUnlockSignal unregisters a channel registered with AddUnlockSignal. Unknown channels are
// ignored.
func (s *Session) RemoveUnlockSignal(c chan<- struct{}) error {
	if c == nil {
		return errors.New("RemoveUnlockSignal: channel cannot be nil")
	}

	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	delete(s.unlockSignals, c)
	if len(s.unlockSignals) == 0 {
		return s.removeMatch(unlockMember)
	}

	return nil
}

// AddLockedSignal registers a channel notified with the new LockedHint whenever it changes, also
// when another program changes it.
func (s *Session) AddLockedSignal(c chan<- bool) error {
	if c == nil {
		return errors.New("AddLockedSignal: channel cannot be nil")
	}

	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	if err := s.addMatch(propertiesChangedMember); err != nil {
		return err
	}
	s.lockedHintSignals[c] = struct{}{}

	return nil
}

// RemoveLockedSignal unregisters a channel registered with AddLockedSignal. Unknown channels are
// ignored.
func (s *Session) RemoveLockedSignal(c chan<- bool) error {
	if c == nil {
		return errors.New("RemoveLockedSignal: channel cannot be nil")
	}

	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	delete(s.lockedHintSignals, c)
	if len(s.lockedHintSignals) == 0 {
		return s.removeMatch(propertiesChangedMember)
	}

	return nil
}

// Close forgets all subscribers and stops processing signals.
func (s *Session) Close() error {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	var err error

	clear(s.unlockSignals)
	err = errors.Join(err, s.removeMatch(unlockMember))
	clear(s.lockedHintSignals)
	err = errors.Join(err, s.removeMatch(propertiesChangedMember))

	s.closeOnce.Do(func() {
		close(s.closeSignalHandler)
	})

	return err
}

// addMatch registers the match rule for member unless it is registered already.
// Holding the muSignals mutex is required.
func (s *Session) addMatch(member string) error {
	if s.activeMatches[member] {
		return nil
	}

	if err := s.conn.AddMatchSignal(s.match(member)...); err != nil {
		return fmt.Errorf("failed to register Dbus %s signal: %w", member, err)
	}
	s.activeMatches[member] = true

	return nil
}

// removeMatch removes the match rule for member if it was registered.
// Holding the muSignals mutex is required.
func (s *Session) removeMatch(member string) error {
	if !s.activeMatches[member] {
		return nil
	}

	if err := s.conn.RemoveMatchSignal(s.match(member)...); err != nil {
		return fmt.Errorf("failed to remove Dbus %s signal: %w", member, err)
	}
	s.activeMatches[member] = false

	return nil
}

func (s *Session) match(member string) []dbus.MatchOption {
	iface := dbusSessionInterface
	if member == propertiesChangedMember {
		iface = propertiesInterface
	}

	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(s.session.Path()),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchMember(member),
	}
}

func (s *Session) handleIncomingSignal(sig *dbus.Signal) {
	if sig == nil || sig.Path != s.session.Path() {
		return
	}

	switch sig.Name {
	case dbusSessionInterface + "." + unlockMember:
		s.logger.Debug("Unlock requested")
		s.notifyUnlock()
	case propertiesInterface + "." + propertiesChangedMember:
		locked, ok := s.parseLockedHintChange(sig)
		if !ok {
			return
		}

		s.muSignals.Lock()
		defer s.muSignals.Unlock()

		for c := range s.lockedHintSignals {
			select {
			case c <- locked:
			default:
			}
		}
	}
}

func (s *Session) notifyUnlock() {
	s.muSignals.Lock()
	defer s.muSignals.Unlock()

	for c := range s.unlockSignals {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

// parseLockedHintChange returns the new LockedHint from a PropertiesChanged signal. ok is false
// when the signal does not change LockedHint or is malformed.
func (s *Session) parseLockedHintChange(sig *dbus.Signal) (locked bool, ok bool) {
	if len(sig.Body) < 2 {
		s.logger.Warn("PropertiesChanged signal with too few arguments", "body", sig.Body)
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != dbusSessionInterface {
		return false, false
	}

	changed, isMap := sig.Body[1].(map[string]dbus.Variant)
	if !isMap {
		s.logger.Warn("PropertiesChanged signal, body[1] is not a property map", "body", sig.Body)
		return false, false
	}

	property, hasLockedHint := changed["LockedHint"]
	if !hasLockedHint {
		return false, false
	}

	locked, ok = property.Value().(bool)
	if !ok {
		s.logger.Warn("PropertiesChanged signal's LockedHint is not a boolean", "value", property)
		return false, false
	}

	return locked, true
}
