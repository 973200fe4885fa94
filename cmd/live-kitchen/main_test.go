package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-kitchen/internal/auth"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("LIVE_KITCHEN_AUTH_SECRET", "cli-secret")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "rest-1", "--role", "restaurant", "--ttl", "1m"})
	require.NoError(t, rootCmd.Execute())

	id, err := auth.NewJWTVerifier("cli-secret", "").Verify(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "rest-1", id.UserID)
	assert.Equal(t, "restaurant", id.Role)
}
