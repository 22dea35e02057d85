package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrTokenExpired = errors.New("identity token expired")
)

// IdentityClaims is what the account service asserts about a caller.
type IdentityClaims struct {
	UserID    uint   `json:"user_id"`
	Name      string `json:"name,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// GenerateIdentityToken issues a token. Production tokens come from the
// account service; this is used by tooling and tests.
func GenerateIdentityToken(userID uint, name string, ttl time.Duration, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required for token generation")
	}
	if userID == 0 {
		return "", errors.New("user id is required for token generation")
	}
	claims := IdentityClaims{
		UserID:    userID,
		Name:      name,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString(payload), base64.RawURLEncoding.EncodeToString(sign(payload, secret)))
	return token, nil
}

// VerifyIdentityToken checks the signature and expiry of a token.
func VerifyIdentityToken(token, secret string) (*IdentityClaims, error) {
	if secret == "" {
		return nil, errors.New("secret is required for token verification")
	}
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", ErrInvalidToken)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}
	if !hmac.Equal(sigBytes, sign(payloadBytes, secret)) {
		return nil, fmt.Errorf("%w: signature", ErrInvalidToken)
	}
	var claims IdentityClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	if claims.UserID == 0 {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidToken)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
