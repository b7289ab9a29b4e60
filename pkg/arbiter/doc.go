// Package arbiter decides when a locked session is unlocked.
//
// Once the lock surface reports that the session is locked, the Arbiter starts every registered
// Source, such as fingerprint verification or a manual override signal, and accepts passwords
// submitted by the user. Whichever authenticates first makes the Arbiter ask the surface to
// unlock, exactly once. Run returns when the surface confirms the session is unlocked.
package arbiter
