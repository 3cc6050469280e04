package warrant

import (
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates warrants against the two public keys and maps the
// winning key to a serving environment. Which key failed is never exposed;
// a caller only learns PRODUCTION, SHADOW or DENIED.
type Verifier struct {
	keys   *VerifyingKeys
	logger *slog.Logger
}

// NewVerifier wraps loaded verifying keys.
func NewVerifier(keys *VerifyingKeys, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{keys: keys, logger: logger}
}

// Verify checks the token against the prime key first, then the shadow key.
// The first key that validates determines the environment. Both failing, or
// an empty token, yields EnvDenied with nil claims.
func (v *Verifier) Verify(token string) (Environment, *Claims) {
	if token == "" {
		return EnvDenied, nil
	}

	if claims, ok := v.verifyWith(token, v.keys.Prime); ok {
		return EnvProduction, claims
	}
	if claims, ok := v.verifyWith(token, v.keys.Shadow); ok {
		return EnvShadow, claims
	}

	v.logger.Warn("warrant verification failed")
	return EnvDenied, nil
}

func (v *Verifier) verifyWith(token string, key interface{}) (*Claims, bool) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, false
	}
	return claims, true
}
