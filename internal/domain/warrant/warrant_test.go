package warrant

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testKeys generates a small in-memory pair set. 2048-bit keys keep the
// test fast; key size is not under test here.
func testKeys(t *testing.T) (*SigningKeys, *VerifyingKeys) {
	t.Helper()
	prime, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate prime: %v", err)
	}
	shadow, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate shadow: %v", err)
	}
	return &SigningKeys{Prime: prime, Shadow: shadow},
		&VerifyingKeys{Prime: &prime.PublicKey, Shadow: &shadow.PublicKey}
}

func decodeSegment(t *testing.T, seg string) map[string]interface{} {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		t.Fatalf("decode segment: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal segment: %v", err)
	}
	return out
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	sk, vk := testKeys(t)
	authority := NewAuthority(sk, testLogger())
	verifier := NewVerifier(vk, testLogger())

	tests := []struct {
		name    string
		env     Environment
		wantKid string
	}{
		{"production via prime key", EnvProduction, KidPrime},
		{"shadow via shadow key", EnvShadow, KidShadow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := authority.Issue("sess-1", 0.42, tt.env)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}

			parts := strings.Split(token, ".")
			if len(parts) != 3 {
				t.Fatalf("token has %d segments, want 3", len(parts))
			}
			header := decodeSegment(t, parts[0])
			if header["kid"] != tt.wantKid {
				t.Errorf("kid = %v, want %s", header["kid"], tt.wantKid)
			}
			if header["alg"] != "RS256" {
				t.Errorf("alg = %v, want RS256", header["alg"])
			}

			env, claims := verifier.Verify(token)
			if env != tt.env {
				t.Fatalf("Verify env = %s, want %s", env, tt.env)
			}
			if claims.Issuer != Issuer {
				t.Errorf("iss = %s, want %s", claims.Issuer, Issuer)
			}
			if claims.Subject != "sess-1" {
				t.Errorf("sub = %s, want sess-1", claims.Subject)
			}
			if claims.Scope != "full_access" {
				t.Errorf("scope = %s, want full_access", claims.Scope)
			}
			if claims.RiskScore != 0.42 {
				t.Errorf("risk_score = %v, want 0.42", claims.RiskScore)
			}
			if claims.ID == "" {
				t.Error("jti is empty")
			}
			lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
			if lifetime != Lifetime {
				t.Errorf("lifetime = %v, want %v", lifetime, Lifetime)
			}
		})
	}
}

func TestIssueRefusesDeny(t *testing.T) {
	sk, _ := testKeys(t)
	authority := NewAuthority(sk, testLogger())
	if _, err := authority.Issue("sess-1", 0.9, EnvDenied); err == nil {
		t.Fatal("expected error issuing for DENIED environment")
	}
}

func TestVerifyRejects(t *testing.T) {
	sk, vk := testKeys(t)
	otherSK, _ := testKeys(t)
	authority := NewAuthority(sk, testLogger())
	stranger := NewAuthority(otherSK, testLogger())
	verifier := NewVerifier(vk, testLogger())

	foreign, err := stranger.Issue("sess-1", 0.1, EnvProduction)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	expiredAuthority := NewAuthority(sk, testLogger())
	expiredAuthority.now = func() time.Time { return time.Now().Add(-2 * Lifetime) }
	expired, err := expiredAuthority.Issue("sess-1", 0.1, EnvProduction)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	valid, err := authority.Issue("sess-1", 0.1, EnvProduction)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not.a.jwt"},
		{"unknown signer", foreign},
		{"expired warrant", expired},
		{"tampered payload", valid[:len(valid)-4] + "AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, claims := verifier.Verify(tt.token)
			if env != EnvDenied {
				t.Errorf("env = %s, want DENIED", env)
			}
			if claims != nil {
				t.Errorf("claims = %+v, want nil", claims)
			}
		})
	}
}

func TestGenerateAndLoadKeyPairs(t *testing.T) {
	if testing.Short() {
		t.Skip("4096-bit key generation is slow")
	}
	dir := t.TempDir()

	if err := GenerateKeyPairs(dir); err != nil {
		t.Fatalf("GenerateKeyPairs: %v", err)
	}
	if err := GenerateKeyPairs(dir); err != ErrKeysExist {
		t.Fatalf("second generation should refuse, got %v", err)
	}

	sk, err := LoadSigningKeys(dir)
	if err != nil {
		t.Fatalf("LoadSigningKeys: %v", err)
	}
	vk, err := LoadVerifyingKeys(dir)
	if err != nil {
		t.Fatalf("LoadVerifyingKeys: %v", err)
	}

	token, err := NewAuthority(sk, testLogger()).Issue("sess-1", 0.0, EnvShadow)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	env, _ := NewVerifier(vk, testLogger()).Verify(token)
	if env != EnvShadow {
		t.Fatalf("round trip through generated keys: env = %s, want SHADOW", env)
	}
}

func TestLoadSigningKeysMissingIsError(t *testing.T) {
	if _, err := LoadSigningKeys(t.TempDir()); err == nil {
		t.Fatal("expected error for empty key dir")
	}
}
