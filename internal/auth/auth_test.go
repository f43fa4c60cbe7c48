package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "super-secret"
	testIssuer = "telemetry-test"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "user-1",
		"iss":    testIssuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": []string{ScopeTelemetryWrite, ScopeTelemetryRead},
	}
}

func TestParseValidToken(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: testIssuer}

	claims, err := Parse(signToken(t, validClaims()), cfg)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasScope(ScopeTelemetryWrite))
	require.True(t, claims.HasScope(ScopeTelemetryRead))
	require.False(t, claims.HasScope("admin"))
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
}

func TestParseSpaceSeparatedScopes(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: testIssuer}
	mapClaims := validClaims()
	mapClaims["scopes"] = "telemetry:write telemetry:read"

	claims, err := Parse(signToken(t, mapClaims), cfg)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeTelemetryWrite))
	require.True(t, claims.HasScope(ScopeTelemetryRead))
}

func TestParseRejectsBadTokens(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: testIssuer}

	_, err := Parse("", cfg)
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = Parse("garbage", cfg)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Wrong signing secret.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	signed, signErr := token.SignedString([]byte("other-secret"))
	require.NoError(t, signErr)
	_, err = Parse(signed, cfg)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Wrong issuer.
	mapClaims := validClaims()
	mapClaims["iss"] = "someone-else"
	_, err = Parse(signToken(t, mapClaims), cfg)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Expired.
	mapClaims = validClaims()
	mapClaims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = Parse(signToken(t, mapClaims), cfg)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Missing subject.
	mapClaims = validClaims()
	delete(mapClaims, "sub")
	_, err = Parse(signToken(t, mapClaims), cfg)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	cfg := Config{Secret: testSecret, Issuer: testIssuer}
	mw := NewMiddleware(cfg, func(r *http.Request) bool {
		return r.URL.Path == "/healthz"
	})

	var gotClaims *Claims
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Authorized request passes claims through.
	req := httptest.NewRequest(http.MethodGet, "/v1/tracker", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	require.Equal(t, "user-1", gotClaims.Subject)

	// Missing header is rejected with the API's JSON error shape.
	gotClaims = nil
	req = httptest.NewRequest(http.MethodGet, "/v1/tracker", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["type"])
	require.Equal(t, ErrMissingToken.Error(), body["detail"])

	// Non-bearer scheme is rejected.
	req = httptest.NewRequest(http.MethodGet, "/v1/tracker", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Skipped paths bypass authentication entirely.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, gotClaims)
}
