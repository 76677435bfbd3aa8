package http

import (
	"github.com/go-social-nosql/internal/application/account"
	"github.com/go-social-nosql/internal/application/content"
	"github.com/go-social-nosql/internal/application/follow"
	"github.com/go-social-nosql/internal/application/session"
	"github.com/go-social-nosql/internal/store"
	appmiddleware "github.com/go-social-nosql/internal/transport/http/middleware"
)

// Deps holds the services the router exposes.
type Deps struct {
	Accounts      account.Service
	Sessions      session.Service
	Follows       follow.Service
	Conversations content.Service

	// Store backs the readiness check.
	Store store.Reader

	// Tokens verifies bearer tokens. When nil, authenticated routes answer 401.
	Tokens appmiddleware.TokenVerifier
}
