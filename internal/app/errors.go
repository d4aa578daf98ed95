package app

import "errors"

var (
	// ErrTokenInvalid is returned for any failed magic-link redemption.
	// Absent, used, and expired tokens are deliberately indistinguishable
	// so callers cannot probe which identities or tokens exist.
	ErrTokenInvalid = errors.New("invalid or expired link")

	// ErrSessionNotFound is returned when no session matches the caller's
	// credential or share id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned when answers are submitted to a
	// completed session.
	ErrSessionNotActive = errors.New("session is no longer active")

	// ErrUnknownQuestion is returned when the question id does not belong
	// to the session's question order.
	ErrUnknownQuestion = errors.New("unknown question for this session")

	// ErrIncompleteSession is returned when completion is requested before
	// every question has been answered or skipped.
	ErrIncompleteSession = errors.New("not all questions have been answered")

	// ErrInvalidIdentity is returned for malformed email or platform ids.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrEmptyAnswer is returned when a submission neither carries text
	// nor marks the question skipped.
	ErrEmptyAnswer = errors.New("answer text or skip flag required")
)
