package domain

import (
	"time"

	"github.com/go-social-nosql/internal/store"
)

const (
	KindAccount             store.Kind = "account"
	KindPendingRegistration store.Kind = "pending_registration"
	KindUniqueLock          store.Kind = "unique_lock"
)

// AccountStatus only ever moves from Pending to Completed.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountCompleted AccountStatus = "completed"
)

type Account struct {
	store.Meta
	UserID       string        `json:"id" dynamodbav:"user_id"`
	Email        string        `json:"email" dynamodbav:"email"`
	Handle       string        `json:"handle" dynamodbav:"handle"`
	DisplayName  string        `json:"display_name" dynamodbav:"display_name"`
	PasswordHash string        `json:"-" dynamodbav:"password_hash"`
	Status       AccountStatus `json:"status" dynamodbav:"status"`
	CreatedAt    time.Time     `json:"created" dynamodbav:"created_at"`
	UpdatedAt    time.Time     `json:"updated" dynamodbav:"updated_at"`
}

// PendingRegistration exists only while a registration is in flight or abandoned.
// MarkerID is time-ordered so the sweep can range-scan by age.
type PendingRegistration struct {
	store.Meta
	MarkerID  string    `dynamodbav:"marker_id"`
	Email     string    `dynamodbav:"email"`
	UserID    string    `dynamodbav:"user_id"`
	Handle    string    `dynamodbav:"handle"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

// Lock scopes.
const (
	LockEmail  = "email"
	LockHandle = "handle"
)

// UniqueLock reserves an email or handle. It carries a TTL until the owning
// registration completes.
type UniqueLock struct {
	store.Meta
	Scope     string    `dynamodbav:"scope"`
	Value     string    `dynamodbav:"value"`
	OwnerID   string    `dynamodbav:"owner_id"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Handle      string `json:"handle" validate:"required,handle"`
	DisplayName string `json:"display_name" validate:"required,max=64"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}
