// Package dbustest provides an in-memory stand-in for the parts of *dbus.Conn used by shackle's
// D-Bus clients. Method calls are answered by registered handlers and recorded; signals are
// injected with Emit.
package dbustest

import (
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"strings"
	"sync"
	"time"
)

// Handler answers a method call on path with a reply body or an error.
type Handler func(path dbus.ObjectPath, args []interface{}) ([]interface{}, error)

// Call is a recorded method call.
type Call struct {
	Dest   string
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

type Conn struct {
	mu       sync.Mutex
	channels []chan<- *dbus.Signal
	matches  map[string]int
	adds     int
	removes  int
	handlers map[string]Handler
	calls    []Call
	closed   bool

	// AddMatchErr, when set, is returned by AddMatchSignal.
	AddMatchErr error
}

func NewConn() *Conn {
	return &Conn{
		matches:  make(map[string]int),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a fully qualified method name.
func (c *Conn) Handle(method string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Calls returns the recorded method calls, optionally only those of the given methods.
func (c *Conn) Calls(methods ...string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []Call
	for _, call := range c.calls {
		if len(methods) == 0 {
			result = append(result, call)
			continue
		}
		for _, m := range methods {
			if call.Method == m {
				result = append(result, call)
				break
			}
		}
	}

	return result
}

// ActiveMatches returns the number of match rules currently registered.
func (c *Conn) ActiveMatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, count := range c.matches {
		n += count
	}
	return n
}

// MatchCalls returns how often AddMatchSignal and RemoveMatchSignal succeeded.
func (c *Conn) MatchCalls() (adds int, removes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adds, c.removes
}

// SignalChannels returns the number of registered signal channels.
func (c *Conn) SignalChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *Conn) AddMatchSignal(options ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("dbus: connection closed by user")
	}
	if c.AddMatchErr != nil {
		return c.AddMatchErr
	}
	c.matches[matchKey(options)]++
	c.adds++

	return nil
}

func (c *Conn) RemoveMatchSignal(options ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("dbus: connection closed by user")
	}
	key := matchKey(options)
	if c.matches[key] == 0 {
		return fmt.Errorf("match rule %s is not registered", key)
	}
	c.matches[key]--
	c.removes++

	return nil
}

func (c *Conn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, ch)
}

func (c *Conn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.channels) - 1; i >= 0; i-- {
		if c.channels[i] == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
		}
	}
}

// Emit delivers the signal to every registered channel.
func (c *Conn) Emit(path dbus.ObjectPath, name string, body ...interface{}) {
	c.mu.Lock()
	channels := append([]chan<- *dbus.Signal(nil), c.channels...)
	c.mu.Unlock()

	s := &dbus.Signal{
		Sender: ":1.42",
		Path:   path,
		Name:   name,
		Body:   body,
	}
	for _, ch := range channels {
		select {
		case ch <- s:
		case <-time.After(time.Second):
		}
	}
}

// Close closes every registered signal channel, like a connection that went away.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		close(ch)
	}
	c.channels = nil
}

func (c *Conn) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &Object{conn: c, dest: dest, path: path}
}

func (c *Conn) call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args []interface{}) *dbus.Call {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Dest: dest, Path: path, Method: method, Args: args})
	handler := c.handlers[method]
	closed := c.closed
	c.mu.Unlock()

	call := &dbus.Call{Destination: dest, Path: path, Method: method, Args: args, Done: make(chan *dbus.Call, 1)}
	switch {
	case ctx.Err() != nil:
		call.Err = ctx.Err()
	case closed:
		call.Err = errors.New("dbus: connection closed by user")
	case handler != nil:
		call.Body, call.Err = handler(path, args)
	}
	call.Done <- call

	return call
}

// Object is a dbus.BusObject backed by a Conn. Methods not listed here are not supported.
type Object struct {
	dbus.BusObject
	conn *Conn
	dest string
	path dbus.ObjectPath
}

func (o *Object) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.conn.call(context.Background(), o.dest, o.path, method, args)
}

func (o *Object) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.conn.call(ctx, o.dest, o.path, method, args)
}

// GetProperty calls org.freedesktop.DBus.Properties.Get. A handler must reply with a dbus.Variant.
func (o *Object) GetProperty(p string) (dbus.Variant, error) {
	idx := strings.LastIndex(p, ".")
	if idx == -1 || idx+1 == len(p) {
		return dbus.Variant{}, fmt.Errorf("dbus: invalid property %s", p)
	}

	var result dbus.Variant
	err := o.conn.call(context.Background(), o.dest, o.path, "org.freedesktop.DBus.Properties.Get",
		[]interface{}{p[:idx], p[idx+1:]}).Store(&result)

	return result, err
}

func (o *Object) Destination() string {
	return o.dest
}

func (o *Object) Path() dbus.ObjectPath {
	return o.path
}

func matchKey(options []dbus.MatchOption) string {
	return fmt.Sprint(options)
}
