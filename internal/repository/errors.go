package repository

import "errors"

// Store errors. Backends translate driver-specific misses (pgx.ErrNoRows,
// redis.Nil) into these at the repository boundary.
var (
	ErrNotFound            = errors.New("record not found")
	ErrActiveSessionExists = errors.New("an active session already exists for this user and exam")
)
