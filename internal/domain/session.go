package domain

import (
	"time"

	"github.com/go-social-nosql/internal/store"
)

const KindSession store.Kind = "session"

type Session struct {
	store.Meta
	SessionID string     `json:"id" dynamodbav:"session_id"`
	UserID    string     `json:"user_id" dynamodbav:"user_id"`
	CreatedAt time.Time  `json:"created" dynamodbav:"created_at"`
	EndedAt   *time.Time `json:"ended,omitempty" dynamodbav:"ended_at,omitempty"`
}

// Active reports whether the session has not been ended.
func (s *Session) Active() bool { return s.EndedAt == nil }

type LoginRequest struct {
	Handle   string `json:"handle" validate:"required"`
	Password string `json:"password" validate:"required"`
}
