// Package lock publishes and follows the lock state of a logind session using
// [org.freedesktop.login1].
//
// A Session sets the LockedHint property, follows changes to it and relays the session's Unlock
// signal, which is emitted for `loginctl unlock-session`.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
package lock
