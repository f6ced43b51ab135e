package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	user User
}

func (f *fakeUsers) Authenticate(_ context.Context, username, password string) (User, error) {
	if username == f.user.Username && password == "correct-horse" {
		return f.user, nil
	}
	return User{}, ErrInvalidCredentials
}

func (f *fakeUsers) GetByID(_ context.Context, userID string) (User, error) {
	if userID == f.user.ID {
		return f.user, nil
	}
	return User{}, ErrUserNotFound
}

func newAuthServer(t *testing.T) (*echo.Echo, *fakeUsers, TokenConfig) {
	t.Helper()
	users := &fakeUsers{user: User{
		ID:       "11111111-1111-1111-1111-111111111111",
		Username: "admin",
		Role:     RoleAdmin,
		IsActive: true,
	}}
	cfg := TokenConfig{Secret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	e := echo.New()
	NewHandler(nil, users, NewRateLimiter(), cfg).Register(e)
	return e, users, cfg
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesTokenPair(t *testing.T) {
	t.Parallel()
	e, users, cfg := newAuthServer(t)

	rec := doJSON(e, http.MethodPost, "/auth/login", `{"username":"admin","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, users.user.ID, resp.User.ID)
	assert.Empty(t, resp.User.PasswordHash)

	userID, err := ParseRefreshToken(resp.RefreshToken, cfg.Secret)
	require.NoError(t, err)
	assert.Equal(t, users.user.ID, userID)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	t.Parallel()
	e, _, _ := newAuthServer(t)
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	t.Parallel()
	e, _, _ := newAuthServer(t)
	for i := 0; i < rateLimitAttempts; i++ {
		doJSON(e, http.MethodPost, "/auth/login", `{"username":"admin","password":"wrong"}`)
	}
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"username":"admin","password":"correct-horse"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRefreshExchangesToken(t *testing.T) {
	t.Parallel()
	e, users, cfg := newAuthServer(t)

	refresh, _, err := GenerateRefreshToken(users.user.ID, cfg.Secret, time.Hour)
	require.NoError(t, err)

	rec := doJSON(e, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+refresh+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()
	e, users, cfg := newAuthServer(t)

	access, _, err := GenerateAccessToken(users.user.ID, RoleAdmin, cfg.Secret, time.Hour)
	require.NoError(t, err)

	rec := doJSON(e, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+access+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
