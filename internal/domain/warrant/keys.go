// Package warrant implements the dual-key credential authority and its
// verifier counterpart.
//
// Every forwarded tool call carries a warrant: an RS256 JWT signed by
// either the prime (production) or shadow (honeypot) private key. The
// backend holds only the public keys and derives the serving environment
// from whichever key validates. A caller can never tell from the token
// itself which environment it was routed to.
package warrant

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Key pair names and key ids.
const (
	KeyPrime  = "prime"
	KeyShadow = "shadow"

	KidPrime  = "prime_key_1"
	KidShadow = "shadow_key_1"

	keySize = 4096
)

func privateKeyPath(dir, name string) string {
	return filepath.Join(dir, "private_"+name+".pem")
}

func publicKeyPath(dir, name string) string {
	return filepath.Join(dir, "public_"+name+".pem")
}

// SigningKeys are the two private keys held by the authority.
type SigningKeys struct {
	Prime  *rsa.PrivateKey
	Shadow *rsa.PrivateKey
}

// VerifyingKeys are the two public keys held by the backend.
type VerifyingKeys struct {
	Prime  *rsa.PublicKey
	Shadow *rsa.PublicKey
}

// LoadSigningKeys reads both private keys from dir. A missing or
// unparsable key is an error; callers treat it as fatal at startup.
func LoadSigningKeys(dir string) (*SigningKeys, error) {
	prime, err := loadPrivateKey(privateKeyPath(dir, KeyPrime))
	if err != nil {
		return nil, fmt.Errorf("load prime signing key: %w", err)
	}
	shadow, err := loadPrivateKey(privateKeyPath(dir, KeyShadow))
	if err != nil {
		return nil, fmt.Errorf("load shadow signing key: %w", err)
	}
	return &SigningKeys{Prime: prime, Shadow: shadow}, nil
}

// LoadVerifyingKeys reads both public keys from dir.
func LoadVerifyingKeys(dir string) (*VerifyingKeys, error) {
	prime, err := loadPublicKey(publicKeyPath(dir, KeyPrime))
	if err != nil {
		return nil, fmt.Errorf("load prime verifying key: %w", err)
	}
	shadow, err := loadPublicKey(publicKeyPath(dir, KeyShadow))
	if err != nil {
		return nil, fmt.Errorf("load shadow verifying key: %w", err)
	}
	return &VerifyingKeys{Prime: prime, Shadow: shadow}, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Older pairs may be PKCS#1.
		if key, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
			return key, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA private key", path)
	}
	return key, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA public key", path)
	}
	return key, nil
}

func readPEM(path string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	return block, nil
}

// ErrKeysExist is returned by GenerateKeyPairs when a prime private key is
// already present, to prevent silently rotating credentials.
var ErrKeysExist = errors.New("key pairs already exist")

// GenerateKeyPairs creates the prime and shadow RSA-4096 pairs under dir,
// writing PKCS#8 private and PKIX public PEMs. Generation refuses to
// overwrite an existing pair.
func GenerateKeyPairs(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if _, err := os.Stat(privateKeyPath(dir, KeyPrime)); err == nil {
		return ErrKeysExist
	}
	for _, name := range []string{KeyPrime, KeyShadow} {
		if err := generatePair(dir, name); err != nil {
			return fmt.Errorf("generate %s pair: %w", name, err)
		}
	}
	return nil
}

func generatePair(dir, name string) error {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privateKeyPath(dir, name), privPEM, 0o600); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return os.WriteFile(publicKeyPath(dir, name), pubPEM, 0o644)
}
