package keyring

import (
	"context"
	"errors"
	"fmt"
	"github.com/godbus/dbus/v5"
	"log/slog"
	"strings"
)

const (
	dbusDest             = "org.freedesktop.secrets"
	dbusServiceInterface = "org.freedesktop.Secret.Service"
	dbusPath             = "/org/freedesktop/secrets"

	// noPrompt is the prompt path returned when no prompt is necessary.
	noPrompt = dbus.ObjectPath("/")
)

// ErrPromptRequired is returned when the service wants to ask the user before locking.
var ErrPromptRequired = errors.New("secret service requires a prompt to lock")

type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Keyring locks Secret Service collections on a borrowed session bus connection.
type Keyring struct {
	obj    dbus.BusObject
	logger *slog.Logger
}

func New(conn *dbus.Conn, logger *slog.Logger) (*Keyring, error) {
	if conn == nil {
		return nil, errors.New("keyring.New: connection cannot be nil")
	}

	return newKeyring(conn, logger), nil
}

func newKeyring(conn busConn, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}

	return &Keyring{
		obj:    conn.Object(dbusDest, dbusPath),
		logger: logger,
	}
}

// CollectionPath returns the object path of a collection.
// A plain name such as "login" refers to /org/freedesktop/secrets/collection/login, a name
// containing a slash such as "aliases/default" is relative to /org/freedesktop/secrets.
func CollectionPath(name string) (dbus.ObjectPath, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", errors.New("collection name is empty")
	}

	var path dbus.ObjectPath
	if strings.Contains(name, "/") {
		path = dbus.ObjectPath(dbusPath + "/" + name)
	} else {
		path = dbus.ObjectPath(dbusPath + "/collection/" + name)
	}
	if !path.IsValid() {
		return "", fmt.Errorf("invalid collection name %q", name)
	}

	return path, nil
}

// Lock locks the named collections, see CollectionPath.
func (k *Keyring) Lock(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		return nil
	}

	objs := make([]dbus.ObjectPath, len(collections))
	for i, name := range collections {
		path, err := CollectionPath(name)
		if err != nil {
			return err
		}
		objs[i] = path
	}

	var locked []dbus.ObjectPath
	var prompt dbus.ObjectPath
	err := k.obj.CallWithContext(ctx, dbusServiceInterface+".Lock", 0, objs).Store(&locked, &prompt)
	if err != nil {
		return fmt.Errorf("could not lock collection: %w", err)
	}

	k.logger.Info("Locked keyring", "collections", locked)

	if prompt != noPrompt && prompt != "" {
		return fmt.Errorf("%w: %s", ErrPromptRequired, prompt)
	}

	return nil
}
