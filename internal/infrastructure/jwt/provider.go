// Package jwtinfra issues and checks the RS256 bearer tokens that bind an
// API request to one session.
package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-social-nosql/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every token and required on verification.
const Issuer = "go-social-nosql"

var errMissingSession = errors.New("token carries no session")

// Claims binds a bearer to one session of one account.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

type Provider struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	expiry     time.Duration
	parser     *jwt.Parser
}

func NewProvider(cfg *config.Config) (*Provider, error) {
	priv, err := loadKey(cfg.JWTPrivateKeyPath, jwt.ParseRSAPrivateKeyFromPEM)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	pub, err := loadKey(cfg.JWTPublicKeyPath, jwt.ParseRSAPublicKeyFromPEM)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return &Provider{
		privateKey: priv,
		publicKey:  pub,
		expiry:     cfg.JWTExpiry,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

func loadKey[K any](path string, parse func([]byte) (K, error)) (K, error) {
	var zero K
	raw, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	k, err := parse(raw)
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", path, err)
	}
	return k, nil
}

// Sign issues a token for the session. The token expiry is independent of
// the session TTL; the session document decides whether the bearer is still
// usable.
func (p *Provider) Sign(userID, sessionID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID,
			ID:        sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.privateKey)
}

func (p *Provider) Verify(tokenStr string) (*Claims, error) {
	var claims Claims
	_, err := p.parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return p.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return nil, errMissingSession
	}
	return &claims, nil
}
