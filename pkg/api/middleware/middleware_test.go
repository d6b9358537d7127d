package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	authproviders "github.com/cbodonnell/governor/pkg/auth/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	provider := authproviders.NewStaticTokenAuthProvider(map[string]string{
		"secret": "u1",
	})

	var claims *authproviders.TokenClaims
	handler := NewAuthMiddleware(provider)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ = r.Context().Value(ClaimsContextKey).(*authproviders.TokenClaims)
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code, "missing header should be rejected")

	request := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	request.Header.Set("Authorization", "Basic secret")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code, "non-bearer scheme should be rejected")

	request = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	request.Header.Set("Authorization", "Bearer wrong")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code, "unknown token should be rejected")

	request = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	request.Header.Set("Authorization", "Bearer secret")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
	require.NotNil(t, claims)
	assert.Equal(t, "u1", claims.UID)
}
