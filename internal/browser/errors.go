package browser

import (
	"errors"
	"fmt"
)

var (
	// ErrSession means the browser could not be launched, is not
	// authenticated, or died. Fatal for the run.
	ErrSession = errors.New("browser session unusable")

	// ErrChallengeDetected means a CAPTCHA or verification wall was shown.
	// Never retried; aborts the current phase.
	ErrChallengeDetected = errors.New("challenge detected")

	// ErrInteractionTimeout means an interaction still failed after every
	// retry. Callers count it as a miss.
	ErrInteractionTimeout = errors.New("interaction timed out")
)

// Transient causes reported by drivers. They are retried.
var (
	ErrNotFound        = errors.New("element not found")
	ErrStale           = errors.New("element is stale")
	ErrNotInteractable = errors.New("element not interactable")
	ErrNavigation      = errors.New("navigation failed")
	ErrAttemptTimeout  = errors.New("attempt budget exceeded")
)

// ErrPageClosed is reported by drivers when the browser went away.
var ErrPageClosed = errors.New("page closed")

type SessionError struct {
	Profile Profile
	Reason  string
	Err     error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("session %s: %s", e.Profile, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSession}
	}
	return []error{ErrSession, e.Err}
}

type ChallengeError struct {
	URL    string
	Marker string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge detected at %s (%s)", e.URL, e.Marker)
}

func (e *ChallengeError) Unwrap() error { return ErrChallengeDetected }

type InteractionError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Target, e.Attempts, e.Err)
}

func (e *InteractionError) Unwrap() []error {
	return []error{ErrInteractionTimeout, e.Err}
}

// IsFatal reports whether err must stop the current phase.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSession) || errors.Is(err, ErrChallengeDetected)
}

func retryable(err error) bool {
	for _, target := range []error{ErrNotFound, ErrStale, ErrNotInteractable, ErrNavigation, ErrAttemptTimeout} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
