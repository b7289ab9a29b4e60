package idle

import (
	"fmt"
	"math"
	"time"
)

// transitions holds the latest pending idle or active notification. A new transition replaces
// the pending opposite one, so a reader that was away only sees the current state.
type transitions struct {
	idle   chan struct{}
	active chan struct{}
}

func newTransitions() *transitions {
	return &transitions{
		idle:   make(chan struct{}, 1),
		active: make(chan struct{}, 1),
	}
}

// Must only be called from a single goroutine.
func (t *transitions) idled() {
	drain(t.active)
	notify(t.idle)
}

// Must only be called from a single goroutine.
func (t *transitions) resumed() {
	drain(t.idle)
	notify(t.active)
}

func drain(c chan struct{}) {
	select {
	case <-c:
	default:
	}
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// timeoutMillis converts the idle timeout to the milliseconds expected by the compositor.
func timeoutMillis(d time.Duration) (uint32, error) {
	ms := d.Milliseconds()
	switch {
	case ms > math.MaxUint32:
		return 0, fmt.Errorf("duration too large, %d > %d", ms, uint32(math.MaxUint32))
	case ms < 0:
		return 0, nil
	}

	return uint32(ms), nil
}
