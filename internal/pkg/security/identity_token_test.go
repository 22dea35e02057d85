package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "identity-secret"

func TestIdentityToken_RoundTrip(t *testing.T) {
	token, err := GenerateIdentityToken(42, "alice", time.Hour, testSecret)
	require.NoError(t, err)

	claims, err := VerifyIdentityToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "alice", claims.Name)
}

func TestIdentityToken_Rejections(t *testing.T) {
	token, err := GenerateIdentityToken(42, "", time.Hour, testSecret)
	require.NoError(t, err)
	parts := strings.SplitN(token, ".", 2)

	forged, err := GenerateIdentityToken(1, "", time.Hour, "other-secret")
	require.NoError(t, err)
	forgedParts := strings.SplitN(forged, ".", 2)

	expired, err := GenerateIdentityToken(42, "", -time.Minute, testSecret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong secret", forged, ErrInvalidToken},
		{"swapped payload", forgedParts[0] + "." + parts[1], ErrInvalidToken},
		{"no separator", "abc", ErrInvalidToken},
		{"bad encoding", "!!!." + parts[1], ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyIdentityToken(tt.token, testSecret)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = VerifyIdentityToken(token, "")
	assert.Error(t, err)
	_, err = GenerateIdentityToken(0, "", time.Hour, testSecret)
	assert.Error(t, err)
}
