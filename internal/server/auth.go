package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"southwinds.dev/heirloom"
)

// Signer issues and verifies EdDSA bearer tokens. The token subject is the
// caller identity handed to the vault.
type Signer struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

// NewSigner can issue and verify. Use NewVerifier where only the public key
// is available.
func NewSigner(priv ed25519.PrivateKey, issuer string, ttl time.Duration) *Signer {
	return &Signer{
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
	}
}

// NewVerifier only verifies tokens.
func NewVerifier(pub ed25519.PublicKey, issuer string) *Signer {
	return &Signer{pub: pub, issuer: issuer}
}

// GenerateKey returns a new Ed25519 key pair.
func GenerateKey() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

// EncodeKey renders a key for configuration files.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodePrivateKey parses a base64 Ed25519 private key.
func DecodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("verification key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verification key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// IssueToken signs a token for identity.
func (s *Signer) IssueToken(identity heirloom.Identity) (string, time.Time, error) {
	if s.priv == nil {
		return "", time.Time{}, errors.New("signer has no private key")
	}
	now := time.Now()
	exp := now.Add(s.ttl)

	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   string(identity),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        randomJTI(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.priv)
	return token, exp, err
}

// Verify checks signature, issuer and expiry and returns the subject.
func (s *Signer) Verify(token string) (heirloom.Identity, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, errors.New("unexpected signing method")
		}
		return s.pub, nil
	}

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return heirloom.Identity(claims.Subject), nil
}

func randomJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// TokenVerifier turns a bearer token into a caller identity.
type TokenVerifier interface {
	Verify(token string) (heirloom.Identity, error)
}

type ctxKey int

const callerKey ctxKey = 1

func withCaller(ctx context.Context, caller heirloom.Identity) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the authenticated identity of a request.
func CallerFrom(ctx context.Context) (heirloom.Identity, bool) {
	caller, ok := ctx.Value(callerKey).(heirloom.Identity)
	return caller, ok
}

// authRequired checks the bearer token and puts the caller in the context.
func authRequired(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				writeProblem(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			caller, err := verifier.Verify(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
		})
	}
}
