package platform

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenTTL bounds how long a handshake token stays valid. Tokens are
// regenerated on every connection attempt, so a short TTL is fine.
const tokenTTL = time.Hour

// ParsePrivateKey decodes a base64-encoded Ed25519 seed or full private key.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key has invalid length %d", len(raw))
	}
}

// SignAuthToken builds the signed Bearer token presented during the socket
// handshake. Claims follow the platform contract: uid (app id), sid (session
// id), iat/exp, and a unique jti per token.
func SignAuthToken(appID, sessionID string, key ed25519.PrivateKey, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"uid": appID,
		"sid": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
		"jti": uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return signed, nil
}
