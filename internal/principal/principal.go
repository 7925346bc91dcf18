// Package principal turns hosted-backend bearer tokens into the identity
// every service call is made on behalf of.
package principal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opentrusty/opencrm/internal/apperr"
)

// Principal is an authenticated caller.
type Principal struct {
	ID    string
	Email string
	Name  string
}

// Claims are the token claims the service reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Config holds verification settings.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates HS256 tokens signed with the backend's shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(cfg Config) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}
}

// Verify parses and validates token. Every failure is an authentication
// error; the cause is kept for logging.
func (v *Verifier) Verify(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Unauthenticated("missing bearer token")
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		msg := "invalid bearer token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "bearer token expired"
		}
		return nil, &apperr.Error{Kind: apperr.KindAuthenticationMissing, Reason: apperr.ReasonUnauthenticated, Message: msg, Err: err}
	}
	if claims.Subject == "" {
		return nil, apperr.Unauthenticated("bearer token has no subject")
	}
	return &Principal{ID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// FromHeader extracts the token from an Authorization header value.
func FromHeader(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// Signer issues tokens the Verifier accepts. Used by tests and the local
// token helper.
type Signer struct {
	cfg Config
	now func() time.Time
}

func NewSigner(cfg Config) *Signer {
	return &Signer{cfg: cfg, now: time.Now}
}

// Sign issues a token for subject valid for ttl.
func (s *Signer) Sign(subject, email string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
