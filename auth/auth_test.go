package auth

import (
	"context"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"

	"github.com/docbase/docsync/status"
)

func signedJwt(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	jwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)
	return jwt
}

func TestJwtProviderParsesUser(t *testing.T) {
	provider, err := NewJwtCredentialsProvider(signedJwt(t, gojwt.MapClaims{"uid": "alice"}))
	assert.Equal(t, nil, err)

	token, err := provider.Token(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", token.User.UID)
	assert.Equal(t, true, token.User.IsAuthenticated())
}

func TestJwtProviderFallbackClaims(t *testing.T) {
	provider, err := NewJwtCredentialsProvider(signedJwt(t, gojwt.MapClaims{"sub": "bob"}))
	assert.Equal(t, nil, err)
	token, _ := provider.Token(context.Background())
	assert.Equal(t, "bob", token.User.UID)

	_, err = NewJwtCredentialsProvider(signedJwt(t, gojwt.MapClaims{"role": "admin"}))
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))

	_, err = NewJwtCredentialsProvider("not-a-jwt")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestJwtProviderChangeListener(t *testing.T) {
	provider, err := NewJwtCredentialsProvider(signedJwt(t, gojwt.MapClaims{"uid": "alice"}))
	assert.Equal(t, nil, err)

	users := []User{}
	provider.SetChangeListener(func(user User) {
		users = append(users, user)
	})
	// registration fires immediately
	assert.Equal(t, []User{NewUser("alice")}, users)

	// same user, no notification
	err = provider.SetJwt(signedJwt(t, gojwt.MapClaims{"uid": "alice", "extra": 1}))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(users))

	err = provider.SetJwt(signedJwt(t, gojwt.MapClaims{"uid": "carol"}))
	assert.Equal(t, nil, err)
	assert.Equal(t, NewUser("carol"), users[1])

	provider.ClearJwt()
	assert.Equal(t, UnauthenticatedUser, users[2])
}

func TestJwtProviderInvalidation(t *testing.T) {
	provider, err := NewJwtCredentialsProvider(signedJwt(t, gojwt.MapClaims{"uid": "alice"}))
	assert.Equal(t, nil, err)

	provider.InvalidateToken()
	_, err = provider.Token(context.Background())
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))

	// a fresh token clears the invalidation
	err = provider.SetJwt(signedJwt(t, gojwt.MapClaims{"uid": "alice"}))
	assert.Equal(t, nil, err)
	token, err := provider.Token(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", token.User.UID)
}

func TestEmptyProvider(t *testing.T) {
	provider := NewEmptyCredentialsProvider()
	token, err := provider.Token(context.Background())
	assert.Equal(t, nil, err)
	if token != nil {
		t.Fatalf("expected anonymous token, got %v", token)
	}

	var observed User
	provider.SetChangeListener(func(user User) {
		observed = user
	})
	assert.Equal(t, UnauthenticatedUser, observed)
}
