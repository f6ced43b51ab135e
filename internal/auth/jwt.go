// Package auth issues and validates the HS256 access/refresh token pair and
// guards the login endpoints with a per-IP rate limit.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimUserID  = "user_id"
	claimRole    = "role"
	claimType    = "typ"

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
// Tokens are accepted from the Authorization header and, for WebSocket
// upgrades, the token query parameter.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// GenerateAccessToken creates a signed access token for the user.
func GenerateAccessToken(userID, role, secret string, expiresIn time.Duration) (string, time.Time, error) {
	return generate(userID, role, tokenTypeAccess, secret, expiresIn)
}

// GenerateRefreshToken creates a signed refresh token for the user. Refresh
// tokens carry no role; the role is re-read at exchange time.
func GenerateRefreshToken(userID, secret string, expiresIn time.Duration) (string, time.Time, error) {
	return generate(userID, "", tokenTypeRefresh, secret, expiresIn)
}

func generate(userID, role, tokenType, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: userID,
		claimUserID:  userID,
		claimType:    tokenType,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if role != "" {
		claims[claimRole] = role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseRefreshToken validates a refresh token and returns the user id.
func ParseRefreshToken(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid refresh token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid refresh token claims")
	}
	if claimString(claims, claimType) != tokenTypeRefresh {
		return "", fmt.Errorf("token is not a refresh token")
	}
	userID := claimString(claims, claimUserID)
	if userID == "" {
		userID = claimString(claims, claimSubject)
	}
	if userID == "" {
		return "", fmt.Errorf("refresh token carries no user id")
	}
	return userID, nil
}

// UserIDFromContext extracts the user id from JWT claims.
func UserIDFromContext(c echo.Context) (string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	if claimString(claims, claimType) == tokenTypeRefresh {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "refresh token cannot access resources")
	}
	if userID := claimString(claims, claimUserID); userID != "" {
		return userID, nil
	}
	if userID := claimString(claims, claimSubject); userID != "" {
		return userID, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
}

// IsAdminFromContext reports whether the token carries the admin role.
func IsAdminFromContext(c echo.Context) bool {
	claims, err := claimsFromContext(c)
	if err != nil {
		return false
	}
	return claimString(claims, claimRole) == RoleAdmin
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
