package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MatthiasKunnen/shackle/internal/config"
	"github.com/MatthiasKunnen/shackle/pkg/arbiter"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("await_wakeup: true\nidle_pause: 1m\nlog_level: warn\n"), 0o600))

	fs, f, err := parseFlags([]string{"--config", path, "--await-wakeup=false", "--delay-sleep"})
	require.NoError(t, err)

	cfg, err := loadConfig(fs, f)
	require.NoError(t, err)

	assert.False(t, cfg.AwaitWakeup)
	assert.True(t, cfg.DelaySleep)
	assert.Equal(t, time.Minute, cfg.IdlePause, "flags that were not given keep the file value")
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	fs, f, err := parseFlags([]string{"--log-level", "loud"})
	require.NoError(t, err)

	_, err = loadConfig(fs, f)
	assert.Error(t, err)
}

func TestParseFlags(t *testing.T) {
	_, _, err := parseFlags([]string{"-h"})
	assert.ErrorIs(t, err, pflag.ErrHelp)

	_, _, err = parseFlags([]string{"extra"})
	assert.Error(t, err)

	_, _, err = parseFlags([]string{"--unknown"})
	assert.Error(t, err)
}

func TestBackoffPolicy(t *testing.T) {
	cfg := &config.Config{RetryBase: 100 * time.Millisecond, RetryMax: 150 * time.Millisecond, RetryAttempts: 2}
	b := backoffPolicy(cfg)()

	first, stop := b.Next()
	require.False(t, stop)
	assert.Equal(t, 100*time.Millisecond, first)

	second, stop := b.Next()
	require.False(t, stop)
	assert.Equal(t, 150*time.Millisecond, second, "capped at RetryMax")

	_, stop = b.Next()
	assert.True(t, stop, "gives up after RetryAttempts")

	fresh := backoffPolicy(cfg)()
	_, stop = fresh.Next()
	assert.False(t, stop, "every call starts a new policy")
}

func TestBackoffPolicy_DefaultNeverGivesUp(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	b := backoffPolicy(cfg)()
	for i := 0; i < 20; i++ {
		delay, stop := b.Next()
		require.False(t, stop, "attempt %d", i+1)
		assert.LessOrEqual(t, delay, cfg.RetryMax)
	}
}

type rejectAll struct{}

func (rejectAll) Check(string) bool { return false }

func TestAwaitSources_CleanupFinishesAfterUnlock(t *testing.T) {
	surface := newSessionSurface(discardLogger())
	arb := arbiter.New(surface, rejectAll{}, arbiter.Options{Logger: discardLogger()})

	var cleanedUp atomic.Bool
	arb.AddSource("fingerprint", func(ctx context.Context) (arbiter.Decision, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		cleanedUp.Store(true)
		return arbiter.Ignore, ctx.Err()
	})
	arb.AddSource("signal", func(context.Context) (arbiter.Decision, error) {
		return arbiter.Unlock, nil
	})

	go surface.Lock(context.Background())
	require.NoError(t, arb.Run(context.Background(), surface.Events()))

	assert.True(t, awaitSources(arb, time.Second))
	assert.True(t, cleanedUp.Load(), "the fingerprint source finished its cleanup")
}

func TestAwaitSources_Timeout(t *testing.T) {
	var stuck sync.WaitGroup
	stuck.Add(1)
	defer stuck.Done()

	start := time.Now()
	assert.False(t, awaitSources(&stuck, 20*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSaveTerminal(t *testing.T) {
	saved := &term.State{}
	var restored *term.State
	var restoredFd int

	restore := saveTerminal(
		7,
		func(fd int) (*term.State, error) { return saved, nil },
		func(fd int, state *term.State) error {
			restoredFd = fd
			restored = state
			return nil
		},
		discardLogger(),
	)
	assert.Nil(t, restored, "nothing is restored before the returned function runs")

	restore()
	assert.Same(t, saved, restored)
	assert.Equal(t, 7, restoredFd)
}

func TestSaveTerminal_GetStateFails(t *testing.T) {
	called := false

	restore := saveTerminal(
		7,
		func(int) (*term.State, error) { return nil, errors.New("inappropriate ioctl for device") },
		func(int, *term.State) error {
			called = true
			return nil
		},
		discardLogger(),
	)

	restore()
	assert.False(t, called)
}
