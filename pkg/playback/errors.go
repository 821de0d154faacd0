package playback

import "fmt"

type ErrorKind string

const (
	KindNoConversationLoaded ErrorKind = "no-conversation-loaded"
	KindInvalidSpeed         ErrorKind = "invalid-speed"
	KindSchedulingFailure    ErrorKind = "scheduling-failure"
	// KindSubscriberCallback failures are contained by the event bus and only logged.
	KindSubscriberCallback ErrorKind = "subscriber-callback"
)

// Sentinels for errors.Is; matching compares kinds only.
var (
	ErrNoConversationLoaded = &Error{Kind: KindNoConversationLoaded}
	ErrInvalidSpeed         = &Error{Kind: KindInvalidSpeed}
	ErrSchedulingFailure    = &Error{Kind: KindSchedulingFailure}
)

// Error is the failure recorded in State when playback enters the error state.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}
