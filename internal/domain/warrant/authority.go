package warrant

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim on every warrant.
const Issuer = "CHIMERA_AUTHORITY"

// Lifetime is how long an issued warrant stays valid.
const Lifetime = time.Hour

// Environment names the serving side a warrant grants access to.
type Environment string

const (
	// EnvProduction is the real data store, reached via a prime-signed
	// warrant.
	EnvProduction Environment = "PRODUCTION"
	// EnvShadow is the honeypot store, reached via a shadow-signed warrant.
	EnvShadow Environment = "SHADOW"
	// EnvDenied means verification failed; no store is touched.
	EnvDenied Environment = "DENIED"
)

// Claims is the warrant payload. RegisteredClaims carries iss, sub, iat,
// exp and jti; scope and risk_score are custom.
type Claims struct {
	Scope     string  `json:"scope"`
	RiskScore float64 `json:"risk_score"`
	jwt.RegisteredClaims
}

// Authority signs warrants with one of two private keys, selected by the
// routing decision. It never holds public keys; verification is the
// backend's job.
type Authority struct {
	keys   *SigningKeys
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthority wraps loaded signing keys.
func NewAuthority(keys *SigningKeys, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{keys: keys, logger: logger, now: time.Now}
}

// Issue signs a warrant for the session bound to env. env must be
// EnvProduction or EnvShadow; a deny decision must not reach the authority.
func (a *Authority) Issue(sessionID string, riskScore float64, env Environment) (string, error) {
	now := a.now()
	claims := Claims{
		Scope:     "full_access",
		RiskScore: riskScore,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Lifetime)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	switch env {
	case EnvProduction:
		token.Header["kid"] = KidPrime
		a.logger.Info("issuing prime credential", "session_id", sessionID)
		return token.SignedString(a.keys.Prime)
	case EnvShadow:
		token.Header["kid"] = KidShadow
		a.logger.Warn("issuing shadow warrant",
			"session_id", sessionID,
			"risk_score", riskScore,
		)
		return token.SignedString(a.keys.Shadow)
	default:
		return "", fmt.Errorf("cannot issue warrant for environment %q", env)
	}
}
