// Package fprint verifies the current user's fingerprint through [fprintd].
//
// The Engine claims the default reader and keeps running verification attempts until a finger
// matches or the reader becomes unusable. Attempts race the reader's VerifyStatus signals against
// logind's PrepareForSleep so that verification is paused across a suspend and restarted after
// an unexpected wakeup.
//
// [fprintd]: https://fprint.freedesktop.org/fprintd-dev/
package fprint
