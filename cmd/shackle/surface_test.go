package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MatthiasKunnen/shackle/pkg/arbiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHint struct {
	mu        sync.Mutex
	calls     []bool
	err       error
	addErr    error
	followers map[chan<- bool]struct{}
}

func (h *fakeHint) SetLocked(locked bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, locked)
	return h.err
}

func (h *fakeHint) AddLockedSignal(c chan<- bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.addErr != nil {
		return h.addErr
	}
	if h.followers == nil {
		h.followers = make(map[chan<- bool]struct{})
	}
	h.followers[c] = struct{}{}
	return nil
}

func (h *fakeHint) RemoveLockedSignal(c chan<- bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.followers, c)
	return nil
}

// change acts as another program that sets LockedHint.
func (h *fakeHint) change(locked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.followers {
		c <- locked
	}
}

func (h *fakeHint) setCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

func (h *fakeHint) following() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.followers)
}

type fakeKeyring struct {
	locked []string
	err    error
}

func (k *fakeKeyring) Lock(_ context.Context, collections ...string) error {
	k.locked = append(k.locked, collections...)
	return k.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextEvent(t *testing.T, s *sessionSurface) arbiter.SurfaceEvent {
	t.Helper()

	select {
	case ev := <-s.Events():
		return ev
	default:
		require.Fail(t, "no surface event")
		return 0
	}
}

func TestSessionSurface_LockAndUnlock(t *testing.T) {
	hint := &fakeHint{}
	keys := &fakeKeyring{}
	s := newSessionSurface(discardLogger())
	s.hint = hint
	s.keyring = keys
	s.collections = []string{"login"}

	s.Lock(context.Background())
	assert.Equal(t, arbiter.Locked, nextEvent(t, s))
	assert.Equal(t, []string{"login"}, keys.locked)

	require.NoError(t, s.Unlock())
	require.NoError(t, s.Unlock())
	assert.Equal(t, arbiter.Unlocked, nextEvent(t, s))
	assert.Empty(t, s.Events(), "Unlocked is reported once")
	assert.Equal(t, []bool{true, false}, hint.setCalls())
	assert.Eventually(t, func() bool { return hint.following() == 0 }, time.Second, time.Millisecond)
}

func TestSessionSurface_HintRejected(t *testing.T) {
	s := newSessionSurface(discardLogger())
	s.hint = &fakeHint{err: errors.New("org.freedesktop.DBus.Error.AccessDenied")}

	s.Lock(context.Background())
	assert.Equal(t, arbiter.Failed, nextEvent(t, s))
	assert.Zero(t, s.hint.(*fakeHint).following())
}

func TestSessionSurface_ReassertsClearedHint(t *testing.T) {
	hint := &fakeHint{}
	s := newSessionSurface(discardLogger())
	s.hint = hint

	s.Lock(context.Background())
	assert.Equal(t, arbiter.Locked, nextEvent(t, s))
	require.Equal(t, 1, hint.following())

	hint.change(true)
	hint.change(false)
	require.Eventually(t, func() bool { return len(hint.setCalls()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true, true}, hint.setCalls(), "LockedHint is set again after another program cleared it")

	require.NoError(t, s.Unlock())
	assert.Equal(t, arbiter.Unlocked, nextEvent(t, s))
	require.Eventually(t, func() bool { return hint.following() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []bool{true, true, false}, hint.setCalls(), "the own unlock is not undone")
}

func TestSessionSurface_FollowFailureDoesNotFailLock(t *testing.T) {
	hint := &fakeHint{addErr: errors.New("org.freedesktop.DBus.Error.AccessDenied")}
	s := newSessionSurface(discardLogger())
	s.hint = hint

	s.Lock(context.Background())
	assert.Equal(t, arbiter.Locked, nextEvent(t, s))
	assert.Equal(t, []bool{true}, hint.setCalls())
}

func TestSessionSurface_KeyringFailureDoesNotFailLock(t *testing.T) {
	s := newSessionSurface(discardLogger())
	s.keyring = &fakeKeyring{err: errors.New("org.freedesktop.DBus.Error.ServiceUnknown")}
	s.collections = []string{"login"}

	s.Lock(context.Background())
	assert.Equal(t, arbiter.Locked, nextEvent(t, s))
}

func TestSessionSurface_WithoutBus(t *testing.T) {
	s := newSessionSurface(discardLogger())

	s.Lock(context.Background())
	assert.Equal(t, arbiter.Locked, nextEvent(t, s))
	require.NoError(t, s.Unlock())
	assert.Equal(t, arbiter.Unlocked, nextEvent(t, s))
}
