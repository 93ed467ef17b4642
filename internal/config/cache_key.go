package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamDefinitionKey returns the cache key for a full exam definition.
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ActiveSessionKey returns the key holding the id of a user's active session for an exam.
func (r *CacheKeyStruct) ActiveSessionKey(userID, examID string) string {
	return fmt.Sprintf("user:%s:exam:%s:active_session", userID, examID)
}

// SessionKey returns the key holding a serialized session body.
func (r *CacheKeyStruct) SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// SessionDeadlinesKey returns the sorted set of active sessions scored by deadline.
func (r *CacheKeyStruct) SessionDeadlinesKey() string {
	return "sessions:deadlines"
}

var CacheKey = NewCacheKeyStruct()
