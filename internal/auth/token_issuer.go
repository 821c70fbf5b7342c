// Package auth issues and validates the bearer tokens that bind an HTTP
// caller to its connection row.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute

	subjectSeparator = "#"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingConnectionID  = errors.New("connection id must be provided")
	errMissingMachine       = errors.New("machine must be provided")
	errMalformedSubject     = errors.New("subject claim malformed")
)

// TokenIssuerConfig configures the session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates HS256 session tokens. The subject claim
// carries the connection identity as "<connectionID>#<machine>".
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueToken produces a signed session token and its expiry (seconds) for
// one connection.
func (i *TokenIssuer) IssueToken(connectionID, machine string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return "", 0, errMissingConnectionID
	}
	machine = strings.TrimSpace(machine)
	if machine == "" {
		return "", 0, errMissingMachine
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   connectionID + subjectSeparator + machine,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the token is well formed and returns the connection
// identity it carries.
func (i *TokenIssuer) ValidateToken(tokenString string) (connectionID string, machine string, err error) {
	if len(i.config.SigningSecret) == 0 {
		return "", "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", "", err
	}

	connectionID, machine, found := strings.Cut(claims.Subject, subjectSeparator)
	if !found || connectionID == "" || machine == "" {
		return "", "", errMalformedSubject
	}
	return connectionID, machine, nil
}
