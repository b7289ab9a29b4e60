package password

import (
	"errors"
	"fmt"
	"github.com/msteinert/pam"
	"log/slog"
	"os/user"
)

// DefaultService is the PAM service used when Options.Service is empty.
// It resolves to /etc/pam.d/shackle.
const DefaultService = "shackle"

// transaction is the part of *pam.Transaction used by Authenticator.
type transaction interface {
	Authenticate(f pam.Flags) error
}

type startFunc func(service, username string, handler func(pam.Style, string) (string, error)) (transaction, error)

type Options struct {
	// Service is the PAM service name. Defaults to DefaultService.
	Service string
	Logger  *slog.Logger
}

// Authenticator verifies passwords of the user running the process.
// It is safe for concurrent use; every Check runs its own transaction.
type Authenticator struct {
	service     string
	logger      *slog.Logger
	currentUser func() (string, error)
	start       startFunc
}

func New(opts Options) *Authenticator {
	a := &Authenticator{
		service:     opts.Service,
		logger:      opts.Logger,
		currentUser: currentUsername,
		start:       startPam,
	}
	if a.service == "" {
		a.service = DefaultService
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	return a
}

// Check reports whether password is the current user's password.
//
// Any failure, including the username being unavailable, is reported as false. Callers must not
// distinguish between a wrong password and a broken authentication stack.
func (a *Authenticator) Check(password string) bool {
	username, err := a.currentUser()
	if err != nil {
		a.logger.Warn("Failed to get current user name, session won't be unlocked", "error", err)
		return false
	}

	a.logger.Info("Starting PAM authentication", "user", username, "service", a.service)

	txn, err := a.start(a.service, username, conversation(username, password, a.logger))
	if err != nil {
		a.logger.Warn("Failed to start PAM transaction, session won't be unlocked", "error", err)
		return false
	}

	if err := txn.Authenticate(0); err != nil {
		a.logger.Info("Password incorrect", "error", err)
		return false
	}

	a.logger.Info("Password correct")
	return true
}

var errUnsupportedStyle = errors.New("unsupported PAM conversation style")

// conversation answers the only two prompts a username/password login needs: the echoed prompt
// with the username and the masked prompt with the password. Informational messages are logged.
func conversation(username, password string, logger *slog.Logger) func(pam.Style, string) (string, error) {
	return func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.PromptEchoOn:
			return username, nil
		case pam.PromptEchoOff:
			return password, nil
		case pam.ErrorMsg:
			logger.Debug("PAM error message", "message", msg)
			return "", nil
		case pam.TextInfo:
			logger.Debug("PAM info message", "message", msg)
			return "", nil
		}

		return "", fmt.Errorf("%w: %d", errUnsupportedStyle, style)
	}
}

func currentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username == "" {
		return "", errors.New("current user has no name")
	}

	return u.Username, nil
}

func startPam(service, username string, handler func(pam.Style, string) (string, error)) (transaction, error) {
	txn, err := pam.StartFunc(service, username, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to start PAM service %q: %w", service, err)
	}

	return txn, nil
}
