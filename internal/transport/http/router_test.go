package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-social-nosql/internal/application/account"
	"github.com/go-social-nosql/internal/application/content"
	"github.com/go-social-nosql/internal/application/follow"
	"github.com/go-social-nosql/internal/application/session"
	"github.com/go-social-nosql/internal/config"
	"github.com/go-social-nosql/internal/infrastructure/memstore"
	jwtinfra "github.com/go-social-nosql/internal/infrastructure/jwt"
	"github.com/go-social-nosql/internal/pkg/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// plainTokens issues "user|session" bearers.
type plainTokens struct{}

func (plainTokens) Sign(userID, sessionID string) (string, error) {
	return userID + "|" + sessionID, nil
}

func (plainTokens) Verify(token string) (*jwtinfra.Claims, error) {
	userID, sessionID, ok := strings.Cut(token, "|")
	if !ok {
		return nil, errors.New("malformed token")
	}
	return &jwtinfra.Claims{UserID: userID, SessionID: sessionID}, nil
}

type apiClient struct {
	t      *testing.T
	h      http.Handler
	bearer string
}

func (c *apiClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	s := memstore.New(1)
	hasher := password.Bcrypt{Cost: 4}
	deps := &Deps{
		Accounts:      account.NewService(s, hasher, time.Minute),
		Sessions:      session.NewService(s, hasher, plainTokens{}, time.Hour),
		Follows:       follow.NewService(s),
		Conversations: content.NewService(s, time.Hour),
		Tokens:        plainTokens{},
		Store:         s,
	}
	return NewRouter(&config.Config{AllowedOrigins: []string{"*"}}, deps)
}

func register(t *testing.T, c *apiClient, handle string) string {
	t.Helper()
	rr := c.do(http.MethodPost, "/v1/accounts", map[string]string{
		"email":        handle + "@example.com",
		"handle":       handle,
		"display_name": strings.ToUpper(handle),
		"password":     "correct horse",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var acct struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&acct))
	return acct.ID
}

func TestRouter_HealthCheck(t *testing.T) {
	c := &apiClient{t: t, h: newTestRouter(t)}
	rr := c.do(http.MethodGet, "/v1/health-check/ping", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Cost"))

	rr = c.do(http.MethodGet, "/v1/health-check/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_ProtectedRoutesNeedBearer(t *testing.T) {
	c := &apiClient{t: t, h: newTestRouter(t)}
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/sessions/current"},
		{http.MethodPut, "/v1/following/u2"},
		{http.MethodPost, "/v1/conversations"},
		{http.MethodGet, "/v1/feed"},
	} {
		rr := c.do(tc.method, tc.path, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, tc.path)
	}
}

func TestRouter_SocialFlow(t *testing.T) {
	c := &apiClient{t: t, h: newTestRouter(t)}
	aliceID := register(t, c, "alice")
	bobID := register(t, c, "bob")

	rr := c.do(http.MethodPost, "/v1/accounts", map[string]string{
		"email": "other@example.com", "handle": "alice", "display_name": "A", "password": "correct horse",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = c.do(http.MethodPost, "/v1/sessions", map[string]string{"handle": "alice", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = c.do(http.MethodPost, "/v1/sessions", map[string]string{"handle": "alice", "password": "correct horse"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var auth struct {
		Bearer string `json:"Bearer"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&auth))
	c.bearer = auth.Bearer

	rr = c.do(http.MethodPut, "/v1/following/"+bobID, nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = c.do(http.MethodGet, "/v1/users/"+bobID+"/followers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":["`+aliceID+`"]}`, rr.Body.String())

	rr = c.do(http.MethodPost, "/v1/conversations", map[string]string{"text": "hello world"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var conv struct {
		ID       string `json:"id"`
		AuthorID string `json:"author_id"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&conv))
	assert.Equal(t, aliceID, conv.AuthorID)

	rr = c.do(http.MethodGet, "/v1/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = c.do(http.MethodDelete, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = c.do(http.MethodGet, "/v1/feed", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "ended session")
}
