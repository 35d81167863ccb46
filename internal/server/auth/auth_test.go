package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parcel/internal/server/database"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueVerify(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	user := &database.User{ID: 5, Email: "ada@example.com", IsGuest: true}

	token, expiresAt, err := issuer.Issue(user, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(5), claims.UserID)
	assert.True(t, claims.IsGuest)

	_, err = NewIssuer("other", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _, err := issuer.Issue(user, -time.Minute)
	require.NoError(t, err)
	_, err = issuer.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	user := &database.User{Name: "Ada", Email: "ada@example.com"}
	require.NoError(t, store.CreateUser(ctx, user))

	issuer := NewIssuer("secret", time.Hour)
	token, _, err := issuer.Issue(user, 0)
	require.NoError(t, err)

	handler := func(c echo.Context) error {
		id := FromContext(c)
		if id == nil {
			return c.String(http.StatusOK, "anonymous")
		}
		return c.String(http.StatusOK, id.Email)
	}

	tests := []struct {
		name     string
		header   string
		required bool
		wantCode int
		wantBody string
	}{
		{"valid token", "Bearer " + token, true, http.StatusOK, "ada@example.com"},
		{"missing token required", "", true, http.StatusUnauthorized, ""},
		{"missing token optional", "", false, http.StatusOK, "anonymous"},
		{"garbage token", "Bearer nope", true, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()

			h := issuer.Middleware(store, tt.required)(handler)
			require.NoError(t, h(e.NewContext(req, rec)))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}

	t.Run("deleted user is rejected", func(t *testing.T) {
		require.NoError(t, store.DeleteUser(ctx, user.ID))

		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()

		require.NoError(t, issuer.Middleware(store, true)(handler)(e.NewContext(req, rec)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
