// Package auth issues and validates workspace access tokens, rotates
// refresh tokens through storage, and manages the short-lived in-memory
// token classes (handoff, mono-auth).
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "vibe80"
	audience = "workspace"
)

// Claims is the JWT payload for a workspace access token.
type Claims struct {
	jwt.RegisteredClaims
}

// KeyManager owns the process-wide HS256 signing secret. Unlike a
// JWKS-backed validator that fetches keys from a remote key server, the
// secret here is generated once and persisted to disk so every process
// restart reuses the same key.
type KeyManager struct {
	secret []byte
	ttl    time.Duration
}

// NewKeyManager loads the secret from path, generating and persisting a
// fresh 256-bit secret if the file does not exist yet.
func NewKeyManager(path string, accessTokenTTL time.Duration) (*KeyManager, error) {
	secret, err := loadOrGenerateKey(path)
	if err != nil {
		return nil, err
	}
	return &KeyManager{secret: secret, ttl: accessTokenTTL}, nil
}

func loadOrGenerateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) >= 32 {
		return data, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read JWT key: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate JWT key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create JWT key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist JWT key: %w", err)
	}
	return secret, nil
}

// keyfunc is the jwt.Keyfunc shape golang-jwt expects, backed by the
// local secret instead of a remote key set.
func (k *KeyManager) keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return k.secret, nil
}

// IssueAccessToken mints an access JWT for workspaceID per §4.4: sub,
// iat, exp=iat+ttl, iss, aud, jti.
func (k *KeyManager) IssueAccessToken(workspaceID string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(k.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workspaceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ID:        newJTI(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(k.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

var errInvalidToken = errors.New("invalid access token")

// Validate parses and verifies tokenString, returning the workspace id on
// success.
func (k *KeyManager) Validate(tokenString string) (workspaceID string, err error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, k.keyfunc,
		jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	if claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

func newJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
