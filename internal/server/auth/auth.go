// Package auth issues and verifies identity tokens. Credential checks
// (passwords, OIDC) live outside this service; it only trusts tokens it
// signed itself.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parcel/internal/server/database"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
)

var ErrInvalidToken = errors.New("invalid token")

const identityKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID  int64
	IsGuest bool
	Email   string
}

// Claims are the JWT claims of an identity token.
type Claims struct {
	UserID  int64  `json:"uid"`
	IsGuest bool   `json:"guest,omitempty"`
	Email   string `json:"email"`
	jwt.StandardClaims
}

// Issuer signs and verifies HS256 identity tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for user valid for ttl, or the issuer default when
// ttl is zero.
func (i *Issuer) Issue(user *database.User, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = i.ttl
	}
	expiresAt := time.Now().Add(ttl)

	claims := &Claims{
		UserID:  user.ID,
		IsGuest: user.IsGuest,
		Email:   user.Email,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: expiresAt.Unix(),
			IssuedAt:  time.Now().Unix(),
			Issuer:    "parcel",
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify parses and validates a token.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UserLookup resolves the user behind a token.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*database.User, error)
}

// Middleware authenticates requests carrying a bearer token. With required
// set, requests without a valid identity are rejected; otherwise they pass
// through anonymously. Tokens of deleted users (such as consumed guests) are
// treated as invalid.
func (i *Issuer) Middleware(users UserLookup, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity, err := i.authenticate(c, users)
			if err != nil {
				if required {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
				}
				return next(c)
			}
			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

func (i *Issuer) authenticate(c echo.Context, users UserLookup) (*Identity, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return nil, ErrInvalidToken
	}

	claims, err := i.Verify(tokenStr)
	if err != nil {
		return nil, err
	}

	user, err := users.GetUser(c.Request().Context(), claims.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: user.ID, IsGuest: user.IsGuest, Email: user.Email}, nil
}

// FromContext returns the identity set by Middleware, or nil.
func FromContext(c echo.Context) *Identity {
	id, _ := c.Get(identityKey).(*Identity)
	return id
}
