package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-social-nosql/internal/config"
	"github.com/go-social-nosql/internal/transport/http/handler"
	appmiddleware "github.com/go-social-nosql/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.Operation)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var authMw func(http.Handler) http.Handler
	if deps.Tokens != nil {
		authMw = appmiddleware.Auth(deps.Tokens, deps.Sessions)
	} else {
		// Without claims in context, protected handlers answer 401.
		authMw = func(next http.Handler) http.Handler { return next }
	}

	// 5 requests/second, burst of 10, on the public write endpoints.
	sensitiveRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10)

	healthH := handler.NewHealthHandler(deps.Store)
	accountH := handler.NewAccountHandler(deps.Accounts)
	sessionH := handler.NewSessionHandler(deps.Sessions)
	followH := handler.NewFollowHandler(deps.Follows)
	convH := handler.NewConversationHandler(deps.Conversations)

	r.Route("/v1", func(r chi.Router) {
		// Public
		r.Get("/health-check/{action}", healthH.Ping)
		r.With(sensitiveRL.Limit).Post("/accounts", accountH.Register)
		r.With(sensitiveRL.Limit).Post("/sessions", sessionH.Login)
		r.Get("/users/{id}/followers", followH.Followers)
		r.Get("/users/{id}/following", followH.Following)
		r.Get("/conversations/{id}", convH.Get)
		r.Get("/conversations/{id}/comments", convH.Comments)
		r.Post("/conversations/{id}/views", convH.View)

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Get("/sessions/current", sessionH.GetCurrent)
			r.Delete("/sessions/current", sessionH.End)

			r.Put("/following/{id}", followH.Follow)
			r.Delete("/following/{id}", followH.Unfollow)

			r.Post("/conversations", convH.Create)
			r.Delete("/conversations/{id}", convH.Delete)
			r.Put("/conversations/{id}/like", convH.Like)
			r.Delete("/conversations/{id}/like", convH.Unlike)

			r.Get("/feed", convH.Feed)
		})
	})

	return r
}
