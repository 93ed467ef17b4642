package service

import "errors"

// Domain errors surfaced to handlers.
var (
	ErrExamNotFound         = errors.New("exam not found")
	ErrSessionAlreadyActive = errors.New("an exam session is already active")
	ErrSessionNotFound      = errors.New("no active exam session found")
	ErrNoAttempts           = errors.New("no attempts found for this exam")
)
