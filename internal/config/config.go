// Package config loads shackle's settings from a YAML file and SHACKLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"github.com/ilyakaznacheev/cleanenv"
	"golang.org/x/sys/unix"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	// AwaitWakeup waits for the system to resume before verifying fingerprints.
	AwaitWakeup bool `yaml:"await_wakeup" env:"SHACKLE_AWAIT_WAKEUP" env-description:"Wait for resume before fingerprint verification"`

	LogLevel string `yaml:"log_level" env:"SHACKLE_LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`

	// PamService is the PAM service used to check passwords, /etc/pam.d/<PamService>.
	PamService string `yaml:"pam_service" env:"SHACKLE_PAM_SERVICE" env-default:"shackle"`

	// UnlockSignal is the name of the process signal that unlocks the session.
	UnlockSignal string `yaml:"unlock_signal" env:"SHACKLE_UNLOCK_SIGNAL" env-default:"SIGUSR1"`

	// IdlePause pauses fingerprint verification after the seat has been idle this long. 0 disables.
	IdlePause time.Duration `yaml:"idle_pause" env:"SHACKLE_IDLE_PAUSE" env-default:"0s"`

	// DelaySleep holds a logind delay lock while verifying fingerprints.
	DelaySleep bool `yaml:"delay_sleep" env:"SHACKLE_DELAY_SLEEP"`

	// LockKeyring lists the Secret Service collections locked together with the session.
	LockKeyring []string `yaml:"lock_keyring" env:"SHACKLE_LOCK_KEYRING" env-separator:","`

	// RetryBase and RetryMax bound the exponential backoff between fingerprint attempts that
	// failed with an unknown error. RetryAttempts is the number of consecutive failures after
	// which fingerprint verification gives up; 0 keeps retrying.
	RetryBase     time.Duration `yaml:"retry_base" env:"SHACKLE_RETRY_BASE" env-default:"250ms"`
	RetryMax      time.Duration `yaml:"retry_max" env:"SHACKLE_RETRY_MAX" env-default:"10s"`
	RetryAttempts uint64        `yaml:"retry_attempts" env:"SHACKLE_RETRY_ATTEMPTS" env-default:"0"`
}

// DefaultPath returns $XDG_CONFIG_HOME/shackle/config.yml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "shackle", "config.yml"), nil
}

// Load reads the configuration from path, overlaid by the environment. An empty path uses
// DefaultPath, which may be missing.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = DefaultPath()
		if err != nil {
			path = ""
		}
	}

	cfg := &Config{}
	err := cleanenv.ReadConfig(path, cfg)
	if err != nil {
		if explicit || path != "" && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		cfg = &Config{}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that can not be checked while parsing.
func (c *Config) Validate() error {
	var err error
	if _, levelErr := c.Level(); levelErr != nil {
		err = errors.Join(err, levelErr)
	}
	if _, signalErr := c.Signal(); signalErr != nil {
		err = errors.Join(err, signalErr)
	}
	if c.IdlePause < 0 {
		err = errors.Join(err, fmt.Errorf("idle_pause must not be negative: %s", c.IdlePause))
	}
	if c.RetryBase <= 0 {
		err = errors.Join(err, fmt.Errorf("retry_base must be positive: %s", c.RetryBase))
	}
	if c.RetryMax < c.RetryBase {
		err = errors.Join(err, fmt.Errorf("retry_max %s is below retry_base %s", c.RetryMax, c.RetryBase))
	}

	return err
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	return level, nil
}

// Signal parses UnlockSignal. Both "SIGUSR1" and "USR1" are accepted.
func (c *Config) Signal() (os.Signal, error) {
	name := strings.ToUpper(strings.TrimSpace(c.UnlockSignal))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}

	sig := unix.SignalNum(name)
	if sig == 0 {
		return nil, fmt.Errorf("unknown unlock_signal %q", c.UnlockSignal)
	}

	return sig, nil
}
