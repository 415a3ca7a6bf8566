package voice

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by Manager operations that name a session id
// with no live session.
var ErrSessionNotFound = errors.New("voice: session not found")

// SpeechRequestError reports a failed speech request for one queued item.
// Drain logs these and moves on; one bad sentence never aborts the rest of a
// reply.
type SpeechRequestError struct {
	SessionID string
	Err       error
}

func (e *SpeechRequestError) Error() string {
	return fmt.Sprintf("voice: speech request for session %s: %v", e.SessionID, e.Err)
}

func (e *SpeechRequestError) Unwrap() error { return e.Err }
