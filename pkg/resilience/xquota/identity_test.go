package xquota

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

var testJWTSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	require.NoError(t, err)
	return tok
}

func testKeyFunc(*jwt.Token) (any, error) {
	return testJWTSecret, nil
}

func TestJWTIdentity(t *testing.T) {
	extract := JWTIdentity(testKeyFunc, "HS256")

	valid := signToken(t, jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(time.Hour).Unix()})
	expired := signToken(t, jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(-time.Hour).Unix()})
	noSub := signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin"}).SignedString([]byte("other"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer " + valid, "user-42"},
		{"case insensitive scheme", "bearer " + valid, "user-42"},
		{"expired", "Bearer " + expired, ""},
		{"missing sub", "Bearer " + noSub, ""},
		{"bad signature", "Bearer " + forged, ""},
		{"not bearer", "Basic dXNlcjpwYXNz", ""},
		{"garbage", "Bearer not-a-token", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extract(r))
		})
	}
}

func TestJWTIdentity_RejectsUnexpectedMethod(t *testing.T) {
	extract := JWTIdentity(testKeyFunc, "HS512")
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"sub": "u"}))
	assert.Empty(t, extract(r))
}

func TestHeaderAndContextIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "  key-1 ")
	assert.Equal(t, "key-1", HeaderIdentity("X-API-Key")(r))
	assert.Empty(t, ContextIdentity()(r))

	r = r.WithContext(WithIdentity(r.Context(), "ctx-user"))
	assert.Equal(t, "ctx-user", ContextIdentity()(r))

	first := FirstIdentity(ContextIdentity(), HeaderIdentity("X-API-Key"))
	assert.Equal(t, "ctx-user", first(r))

	plain := httptest.NewRequest("GET", "/", nil)
	plain.Header.Set("X-API-Key", "key-2")
	assert.Equal(t, "key-2", first(plain))
	assert.Empty(t, first(httptest.NewRequest("GET", "/", nil)))
}

func TestMetadataIdentity(t *testing.T) {
	extract := MetadataIdentity("X-API-Key")

	assert.Empty(t, extract(context.Background()))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "grpc-user"))
	assert.Equal(t, "grpc-user", extract(ctx))

	ctx = WithIdentity(ctx, "authn-user")
	assert.Equal(t, "authn-user", extract(ctx))
}
