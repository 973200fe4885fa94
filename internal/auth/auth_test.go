package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIssuedToken(t *testing.T) {
	iss := NewIssuer("secret", "live-kitchen")
	tok, err := iss.Issue("user-1", "customer", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier("secret", "live-kitchen")
	id, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "customer", id.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)

	id, err = v.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
}

func TestVerifyRejects(t *testing.T) {
	good := NewIssuer("secret", "live-kitchen")
	expired := NewIssuer("secret", "live-kitchen")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	otherKey, err := NewIssuer("other", "live-kitchen").Issue("user-1", "", time.Hour)
	require.NoError(t, err)
	old, err := expired.Issue("user-1", "", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := NewIssuer("secret", "someone-else").Issue("user-1", "", time.Hour)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	goodTok, err := good.Issue("user-1", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", otherKey},
		{"expired", old},
		{"wrong issuer", wrongIssuer},
		{"no expiry", noExp},
		{"tampered", goodTok + "x"},
	}
	v := NewJWTVerifier("secret", "live-kitchen")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestVerifyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewJWTVerifier("secret", "").Verify(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIssueRequiresUser(t *testing.T) {
	_, err := NewIssuer("secret", "").Issue("", "", time.Hour)
	assert.Error(t, err)
}
