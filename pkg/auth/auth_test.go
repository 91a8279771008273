package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashOf(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestKeySetValidate(t *testing.T) {
	ks, err := NewKeySet([]string{hashOf(t, "alpha"), "", hashOf(t, "beta")})
	require.NoError(t, err)
	assert.True(t, ks.Enabled())

	assert.NoError(t, ks.Validate("alpha"))
	assert.NoError(t, ks.Validate("alpha"), "cached key still validates")
	assert.NoError(t, ks.Validate("beta"))
	assert.ErrorIs(t, ks.Validate("gamma"), ErrInvalidKey)
	assert.ErrorIs(t, ks.Validate(""), ErrMissingKey)
}

func TestNewKeySetRejectsPlainKeys(t *testing.T) {
	_, err := NewKeySet([]string{"not-a-hash"})
	assert.Error(t, err)
}

func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 43)

	ks, err := NewKeySet([]string{hash})
	require.NoError(t, err)
	assert.NoError(t, ks.Validate(key))
}

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"bearer", "Authorization", "Bearer secret", "secret"},
		{"lowercase scheme", "Authorization", "bearer secret", "secret"},
		{"basic is ignored", "Authorization", "Basic c2VjcmV0", ""},
		{"api key header", "X-API-Key", "secret", "secret"},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			assert.Equal(t, tt.want, KeyFromRequest(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	ks, err := NewKeySet([]string{hashOf(t, "secret")})
	require.NoError(t, err)
	handler := ks.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	r.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMiddlewareDisabledWithoutKeys(t *testing.T) {
	ks, err := NewKeySet(nil)
	require.NoError(t, err)
	assert.False(t, ks.Enabled())

	handler := ks.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
