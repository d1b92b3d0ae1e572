package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultMaxSkew = 5 * time.Minute

var (
	// ErrBadSignature indicates a claim whose signature does not verify
	// against the presented public key.
	ErrBadSignature = errors.New("identity: signature verification failed")
	// ErrExpiredClaim indicates a claim whose timestamp falls outside the
	// freshness window.
	ErrExpiredClaim = errors.New("identity: claim timestamp outside freshness window")
	// ErrAddressMismatch indicates a claim signed for a different address
	// than the one presented.
	ErrAddressMismatch = errors.New("identity: claim address mismatch")
	// ErrBadPublicKey indicates an undecodable or wrong-size public key.
	ErrBadPublicKey = errors.New("identity: invalid public key")
)

// SignedIdentity is the identity envelope carried on every control-plane
// request and on join control messages: the claimed address, the ed25519
// public key, and a timestamped signature over the address.
type SignedIdentity struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Claim is a verified, timestamped identity assertion.
type Claim struct {
	Address  string
	IssuedAt time.Time
}

// ServiceConfig configures the identity service.
type ServiceConfig struct {
	// MaxSkew bounds how old (or future-dated) an accepted claim may be.
	MaxSkew time.Duration
	Clock   func() time.Time
}

// Service signs and verifies timestamped identity claims. Claims are
// compact EdDSA JWTs whose subject is the address.
type Service struct {
	maxSkew time.Duration
	clock   func() time.Time
}

// NewService constructs a Service with sane defaults.
func NewService(cfg ServiceConfig) *Service {
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{maxSkew: maxSkew, clock: clock}
}

// Sign produces a signed, timestamped claim for the address.
func (s *Service) Sign(privateKey ed25519.PrivateKey, address string) (string, error) {
	if strings.TrimSpace(address) == "" {
		return "", errors.New("identity: address required")
	}
	claims := jwt.RegisteredClaims{
		Subject:  address,
		IssuedAt: jwt.NewNumericDate(s.clock().UTC()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// Decode verifies the signature against the public key and returns the
// claim, or an error when the signature fails or the timestamp is stale.
func (s *Service) Decode(signature, publicKey string) (*Claim, error) {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(
		signature,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return key, nil
		},
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing subject or issued-at", ErrBadSignature)
	}

	age := s.clock().Sub(claims.IssuedAt.Time)
	if age < 0 {
		age = -age
	}
	if age > s.maxSkew {
		return nil, fmt.Errorf("%w: issued %s ago", ErrExpiredClaim, age)
	}
	return &Claim{Address: claims.Subject, IssuedAt: claims.IssuedAt.Time}, nil
}

// Verify decodes the envelope's signature with its own public key and
// requires the signed address to match the claimed one.
func (s *Service) Verify(ident SignedIdentity) (*Claim, error) {
	claim, err := s.Decode(ident.Signature, ident.PublicKey)
	if err != nil {
		return nil, err
	}
	if claim.Address != ident.Address {
		return nil, ErrAddressMismatch
	}
	return claim, nil
}

// ParsePublicKey decodes a base64 raw ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey renders a public key in the wire form ParsePublicKey
// accepts.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key)
}
