// Command shackle locks the current session until the user authenticates with a fingerprint, a
// password typed on the terminal, an unlock signal or `loginctl unlock-session`.
package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/MatthiasKunnen/shackle/internal/config"
	"github.com/MatthiasKunnen/shackle/pkg/arbiter"
	"github.com/MatthiasKunnen/shackle/pkg/fprint"
	"github.com/MatthiasKunnen/shackle/pkg/idle"
	"github.com/MatthiasKunnen/shackle/pkg/instance"
	"github.com/MatthiasKunnen/shackle/pkg/keyring"
	"github.com/MatthiasKunnen/shackle/pkg/lock"
	"github.com/MatthiasKunnen/shackle/pkg/password"
	"github.com/MatthiasKunnen/shackle/pkg/sleep"
	"github.com/godbus/dbus/v5"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"log/slog"
	"os"
	"os/signal"
	"time"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "shackle: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	awaitWakeup bool
	logLevel    string
	idlePause   time.Duration
	delaySleep  bool
}

func parseFlags(args []string) (*pflag.FlagSet, *flags, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("shackle", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/shackle/config.yml)")
	fs.BoolVar(&f.awaitWakeup, "await-wakeup", false, "wait for the system to resume before verifying fingerprints")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.DurationVar(&f.idlePause, "idle-pause", 0, "pause fingerprint verification once the seat is idle this long, 0 disables")
	fs.BoolVar(&f.delaySleep, "delay-sleep", false, "delay suspend until fingerprint verification has stopped")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return fs, f, nil
}

// loadConfig reads the config and applies the flags given on the command line on top.
func loadConfig(fs *pflag.FlagSet, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if fs.Changed("await-wakeup") {
		cfg.AwaitWakeup = f.awaitWakeup
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("idle-pause") {
		cfg.IdlePause = f.idlePause
	}
	if fs.Changed("delay-sleep") {
		cfg.DelaySleep = f.delaySleep
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// backoffPolicy spaces fingerprint attempts that ended with an unknown error. RetryAttempts 0
// retries forever.
func backoffPolicy(cfg *config.Config) func() retry.Backoff {
	return func() retry.Backoff {
		b := retry.NewExponential(cfg.RetryBase)
		b = retry.WithCappedDuration(cfg.RetryMax, b)
		if cfg.RetryAttempts > 0 {
			b = retry.WithMaxRetries(cfg.RetryAttempts, b)
		}

		return b
	}
}

func run(args []string) error {
	fs, f, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(fs, f)
	if err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	guard, err := instance.Acquire()
	switch {
	case errors.Is(err, instance.ErrNoRuntimeDir):
		logger.Info("XDG_RUNTIME_DIR is not set, not locking")
		return nil
	case err != nil:
		return err
	case guard == nil:
		logger.Info("Another instance is running")
		return nil
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Debug("Failed to release instance lock", "error", err)
		}
	}()

	// A lock prompt must not be escapable from the keyboard.
	signal.Ignore(unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP)
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGTERM)
	defer stop()

	unlockSignal, _ := cfg.Signal()
	signalSource := arbiter.SignalSource(unlockSignal)

	surface := newSessionSurface(logger.With("component", "surface"))
	checker := password.New(password.Options{
		Service: cfg.PamService,
		Logger:  logger.With("component", "password"),
	})
	arb := arbiter.New(surface, checker, arbiter.Options{Logger: logger.With("component", "arbiter")})
	arb.AddSource("signal", signalSource)

	systemBus, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.Warn("System bus unavailable, fingerprint and session unlock disabled", "error", err)
	} else {
		defer systemBus.Close()

		closeSystem, err := wireSystemBus(systemBus, cfg, logger, arb, surface)
		if err != nil {
			logger.Warn("Fingerprint unlock disabled", "error", err)
		}
		defer closeSystem()
	}

	if len(cfg.LockKeyring) > 0 {
		sessionBus, err := dbus.ConnectSessionBus()
		if err != nil {
			logger.Warn("Session bus unavailable, keyring stays unlocked", "error", err)
		} else {
			defer sessionBus.Close()

			k, err := keyring.New(sessionBus, logger.With("component", "keyring"))
			if err != nil {
				return err
			}
			surface.keyring = k
			surface.collections = cfg.LockKeyring
		}
	}

	go surface.Lock(ctx)

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		defer saveTerminal(stdin, term.GetState, term.Restore, logger)()

		prompt := &passwordPrompt{
			fd:           stdin,
			out:          os.Stderr,
			readPassword: term.ReadPassword,
			submit:       arb.SubmitPassword,
		}
		go func() {
			if err := prompt.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Password prompt stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("Standard input is not a terminal, password unlock disabled")
	}

	runErr := arb.Run(ctx, surface.Events())
	if !awaitSources(arb, sourceShutdownTimeout) {
		logger.Warn("Unlock sources did not stop in time", "timeout", sourceShutdownTimeout)
	}
	if runErr != nil {
		return fmt.Errorf("session was not unlocked: %w", runErr)
	}

	return nil
}

// sourceShutdownTimeout bounds the wait for cancelled sources, the fingerprint engine stops and
// releases the reader within this time.
const sourceShutdownTimeout = 5 * time.Second

// awaitSources waits until w.Wait returns or timeout passes. It reports whether w.Wait returned.
func awaitSources(w interface{ Wait() }, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// saveTerminal records the state of the terminal and returns a function that restores it. A
// password read that is pending when shackle exits would otherwise leave echo disabled.
func saveTerminal(
	fd int,
	getState func(fd int) (*term.State, error),
	restore func(fd int, state *term.State) error,
	logger *slog.Logger,
) func() {
	state, err := getState(fd)
	if err != nil {
		logger.Debug("Failed to save terminal state", "error", err)
		return func() {}
	}

	return func() {
		if err := restore(fd, state); err != nil {
			logger.Debug("Failed to restore terminal state", "error", err)
		}
	}
}

// wireSystemBus adds the sources that need the system bus. The returned function closes what was
// created and is never nil.
func wireSystemBus(
	conn *dbus.Conn,
	cfg *config.Config,
	logger *slog.Logger,
	arb *arbiter.Arbiter,
	surface *sessionSurface,
) (func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	session, err := lock.NewDbusSession(conn, os.Getenv("XDG_SESSION_ID"), lock.Options{
		Logger: logger.With("component", "session"),
	})
	if err != nil {
		logger.Warn("Failed to find logind session, LockedHint is not set", "error", err)
	} else {
		closers = append(closers, func() { _ = session.Close() })
		surface.hint = session
		arb.AddSource("session", arbiter.SessionUnlockSource(session))
	}

	monitor, err := sleep.New(conn, sleep.Options{Logger: logger.With("component", "sleep")})
	if err != nil {
		return closeAll, err
	}
	closers = append(closers, func() { _ = monitor.Close() })

	manager, err := fprint.NewDbusManager(conn, logger.With("component", "fprint"))
	if err != nil {
		return closeAll, err
	}

	opts := fprint.Options{
		AwaitWakeup: cfg.AwaitWakeup,
		Backoff:     backoffPolicy(cfg),
		Logger:      logger.With("component", "fprint"),
	}
	if cfg.DelaySleep {
		opts.DelaySleep = monitor
	}
	if cfg.IdlePause > 0 {
		watcher, err := idle.NewWaylandWatcher(cfg.IdlePause, idle.Options{Logger: logger.With("component", "idle")})
		if err != nil {
			logger.Warn("Failed to watch for idle, verification is not paused while idle", "error", err)
		} else {
			closers = append(closers, func() { _ = watcher.Close() })
			opts.Idle = watcher
		}
	}

	arb.AddSource("fingerprint", arbiter.FingerprintSource(fprint.NewEngine(manager, monitor, opts)))

	return closeAll, nil
}
