package fprint

import "fmt"

// Outcome is how a single verification attempt ended.
type Outcome int

const (
	// Match means the finger matched. VerifyStop should not be called, the device is released.
	Match Outcome = iota + 1
	// NoMatch means the finger did not match. VerifyStop should now be called.
	NoMatch
	// Disconnected means the device went away during verification. The device must not be used
	// any more.
	Disconnected
	// UnknownError is usually a driver problem, or a status this package does not know about.
	// VerifyStop should now be called.
	UnknownError
	// Suspended means the system is about to sleep. Verification is stopped until it resumes.
	Suspended
	// UnexpectedWakeup means the system resumed without the attempt having seen it go to sleep.
	// The device state is unknown, so verification is restarted.
	UnexpectedWakeup
	// Idle means the seat went idle. Verification is stopped until there is activity.
	Idle
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case NoMatch:
		return "no-match"
	case Disconnected:
		return "disconnected"
	case UnknownError:
		return "unknown-error"
	case Suspended:
		return "suspended"
	case UnexpectedWakeup:
		return "unexpected-wakeup"
	case Idle:
		return "idle"
	}

	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Results of the VerifyStatus signal.
const (
	StatusMatch             = "verify-match"
	StatusNoMatch           = "verify-no-match"
	StatusRetryScan         = "verify-retry-scan"
	StatusSwipeTooShort     = "verify-swipe-too-short"
	StatusFingerNotCentered = "verify-finger-not-centered"
	StatusRemoveAndRetry    = "verify-remove-and-retry"
	StatusDisconnected      = "verify-disconnected"
	StatusUnknownError      = "verify-unknown-error"
)

// ClassifyStatus maps a VerifyStatus result to the outcome of the attempt.
// final is false for statuses that ask the user to try again within the same attempt.
// Results not listed by fprintd end the attempt with UnknownError.
func ClassifyStatus(result string) (outcome Outcome, final bool) {
	switch result {
	case StatusRetryScan, StatusSwipeTooShort, StatusFingerNotCentered, StatusRemoveAndRetry:
		return 0, false
	case StatusMatch:
		return Match, true
	case StatusNoMatch:
		return NoMatch, true
	case StatusDisconnected:
		return Disconnected, true
	case StatusUnknownError:
		return UnknownError, true
	}

	return UnknownError, true
}
