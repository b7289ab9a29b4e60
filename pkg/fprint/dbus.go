package fprint

import (
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"log/slog"
	"sync"
)

const (
	dbusDest         = "net.reactivated.Fprint"
	managerPath      = "/net/reactivated/Fprint/Manager"
	managerInterface = "net.reactivated.Fprint.Manager"
	deviceInterface  = "net.reactivated.Fprint.Device"

	verifyStatusMember = "VerifyStatus"
)

// ErrNoDevice is returned when fprintd knows no fingerprint reader.
var ErrNoDevice = errors.New("no fingerprint reader available")

// VerifyStatus is the body of the device's VerifyStatus signal.
type VerifyStatus struct {
	Result string
	Done   bool
}

// Manager finds fingerprint readers.
type Manager interface {
	DefaultDevice(ctx context.Context) (Device, error)
}

// Device is a single fingerprint reader.
type Device interface {
	Claim(ctx context.Context, username string) error
	Release(ctx context.Context) error
	VerifyStart(ctx context.Context, finger string) error
	VerifyStop(ctx context.Context) error

	// WatchVerifyStatus subscribes to the device's VerifyStatus signal. The returned function
	// ends the subscription. The channel is closed when the subscription ends or the bus goes away.
	WatchVerifyStatus() (<-chan VerifyStatus, func(), error)
}

// busConn is the part of *dbus.Conn used by this package.
type busConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// DbusManager talks to net.reactivated.Fprint.Manager on a borrowed system bus connection.
type DbusManager struct {
	conn   busConn
	obj    dbus.BusObject
	logger *slog.Logger
}

func NewDbusManager(conn *dbus.Conn, logger *slog.Logger) (*DbusManager, error) {
	if conn == nil {
		return nil, errors.New("NewDbusManager: connection cannot be nil")
	}

	return newDbusManager(conn, logger), nil
}

func newDbusManager(conn busConn, logger *slog.Logger) *DbusManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &DbusManager{
		conn:   conn,
		obj:    conn.Object(dbusDest, managerPath),
		logger: logger,
	}
}

// DefaultDevice returns the reader fprintd considers the default.
func (m *DbusManager) DefaultDevice(ctx context.Context) (Device, error) {
	var devicePath dbus.ObjectPath
	err := m.obj.CallWithContext(ctx, managerInterface+".GetDefaultDevice", 0).Store(&devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get default fingerprint device: %w", err)
	}

	if devicePath == "" || devicePath == "/" {
		return nil, ErrNoDevice
	}

	m.logger.Info("Default fingerprint device", "path", devicePath)

	return &DbusDevice{
		conn:   m.conn,
		obj:    m.conn.Object(dbusDest, devicePath),
		path:   devicePath,
		logger: m.logger.With("device", devicePath),
	}, nil
}

// DbusDevice is a net.reactivated.Fprint.Device object.
type DbusDevice struct {
	conn   busConn
	obj    dbus.BusObject
	path   dbus.ObjectPath
	logger *slog.Logger
}

// Path returns the object path of the device.
func (d *DbusDevice) Path() dbus.ObjectPath {
	return d.path
}

// Claim claims the device for username. An empty username means the user owning the connection.
func (d *DbusDevice) Claim(ctx context.Context, username string) error {
	if err := d.obj.CallWithContext(ctx, deviceInterface+".Claim", 0, username).Err; err != nil {
		return fmt.Errorf("failed to claim fingerprint device: %w", err)
	}

	return nil
}

func (d *DbusDevice) Release(ctx context.Context) error {
	if err := d.obj.CallWithContext(ctx, deviceInterface+".Release", 0).Err; err != nil {
		return fmt.Errorf("failed to release fingerprint device: %w", err)
	}

	return nil
}

// VerifyStart starts verification of finger. Use "any" to accept every enrolled finger.
func (d *DbusDevice) VerifyStart(ctx context.Context, finger string) error {
	if err := d.obj.CallWithContext(ctx, deviceInterface+".VerifyStart", 0, finger).Err; err != nil {
		return fmt.Errorf("failed to start verification: %w", err)
	}

	return nil
}

func (d *DbusDevice) VerifyStop(ctx context.Context) error {
	if err := d.obj.CallWithContext(ctx, deviceInterface+".VerifyStop", 0).Err; err != nil {
		return fmt.Errorf("failed to stop verification: %w", err)
	}

	return nil
}

func (d *DbusDevice) WatchVerifyStatus() (<-chan VerifyStatus, func(), error) {
	if err := d.conn.AddMatchSignal(d.verifyStatusMatch()...); err != nil {
		return nil, nil, fmt.Errorf("failed to register Dbus VerifyStatus signal: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	d.conn.Signal(signals)

	statuses := make(chan VerifyStatus, 16)
	done := make(chan struct{})

	go func() {
		defer close(statuses)
		for {
			select {
			case <-done:
				return
			case s, ok := <-signals:
				if !ok {
					return
				}
				status, ok := d.parseVerifyStatus(s)
				if !ok {
					continue
				}
				select {
				case statuses <- status:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			d.conn.RemoveSignal(signals)
			if err := d.conn.RemoveMatchSignal(d.verifyStatusMatch()...); err != nil {
				d.logger.Debug("Failed to remove Dbus VerifyStatus signal", "error", err)
			}
			close(done)
		})
	}

	return statuses, stop, nil
}

// parseVerifyStatus extracts the status from a signal. ok is false for signals of other objects.
// A malformed VerifyStatus yields an empty result, which ends the attempt as an unknown error.
func (d *DbusDevice) parseVerifyStatus(s *dbus.Signal) (status VerifyStatus, ok bool) {
	if s == nil || s.Path != d.path || s.Name != deviceInterface+"."+verifyStatusMember {
		return VerifyStatus{}, false
	}

	if len(s.Body) < 2 {
		d.logger.Warn("Failed to parse verify status", "body", s.Body)
		return VerifyStatus{}, true
	}

	result, resultOk := s.Body[0].(string)
	done, doneOk := s.Body[1].(bool)
	if !resultOk || !doneOk {
		d.logger.Warn("Failed to parse verify status", "body", s.Body)
		return VerifyStatus{}, true
	}

	return VerifyStatus{Result: result, Done: done}, true
}

func (d *DbusDevice) verifyStatusMatch() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(d.path),
		dbus.WithMatchInterface(deviceInterface),
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchMember(verifyStatusMember),
	}
}
