package platform

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParsePrivateKeyAcceptsSeedAndFullKey(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fromSeed, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(priv.Seed()))
	if err != nil {
		t.Fatalf("ParsePrivateKey(seed) failed: %v", err)
	}
	fromFull, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(priv))
	if err != nil {
		t.Fatalf("ParsePrivateKey(full) failed: %v", err)
	}

	if !fromSeed.Public().(ed25519.PublicKey).Equal(pub) {
		t.Fatal("seed-derived key has wrong public key")
	}
	if !fromFull.Public().(ed25519.PublicKey).Equal(pub) {
		t.Fatal("full key has wrong public key")
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParsePrivateKey("not base64 at all!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for wrong key length")
	}
}

func TestSignAuthTokenClaimsAndSignature(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	now := time.Now()
	signed, err := SignAuthToken("app-1", "sess-1", priv, now)
	if err != nil {
		t.Fatalf("SignAuthToken failed: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		t.Fatalf("token failed verification: %v", err)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if claims["uid"] != "app-1" || claims["sid"] != "sess-1" {
		t.Fatalf("unexpected claims: %v", claims)
	}
	if claims["jti"] == "" {
		t.Fatal("jti claim must be set")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		t.Fatalf("read exp claim: %v", err)
	}
	if got := exp.Time.Sub(now.Truncate(time.Second)); got < 59*time.Minute || got > 61*time.Minute {
		t.Fatalf("token TTL = %v, want about one hour", got)
	}
}

func TestTokensCarryUniqueJTI(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a, err := SignAuthToken("app", "sess", priv, time.Now())
	if err != nil {
		t.Fatalf("sign a: %v", err)
	}
	b, err := SignAuthToken("app", "sess", priv, time.Now())
	if err != nil {
		t.Fatalf("sign b: %v", err)
	}
	if a == b {
		t.Fatal("two tokens should never be identical")
	}
}
