// Package auth verifies the bearer tokens presented on upgrade requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/noton/realtime/internal/session"
)

const defaultMaxTokenBytes = 8 << 10

var (
	// ErrInvalid covers bad signatures, malformed tokens and missing claims.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired is returned when the token's exp claim has passed.
	ErrExpired = errors.New("token expired")
)

// AuthError is the error type returned by Verify. It matches ErrInvalid or
// ErrExpired under errors.Is.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *AuthError) Is(target error) bool { return target == e.Kind }

func (e *AuthError) Unwrap() error { return e.Err }

// Reason returns a short label for metrics: "expired", "invalid" or "error".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

// Claims is the token payload: the registered claims plus the caller's email.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Options configures a Verifier.
type Options struct {
	Secret        []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxTokenBytes int
}

// Verifier checks HMAC-signed JWTs against a shared secret. It performs no
// I/O and holds no mutable state, so one instance serves every connection.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	maxBytes int
	parser   *jwt.Parser
}

func NewVerifier(opts Options) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	maxBytes := opts.MaxTokenBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxTokenBytes
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &Verifier{
		secret:   opts.Secret,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		maxBytes: maxBytes,
		parser:   jwt.NewParser(parserOpts...),
	}, nil
}

// Verify validates tokenString and returns the viewer it identifies.
func (v *Verifier) Verify(tokenString string) (session.Viewer, error) {
	if tokenString == "" {
		return session.Viewer{}, &AuthError{Kind: ErrInvalid, Err: errors.New("empty token")}
	}
	if len(tokenString) > v.maxBytes {
		return session.Viewer{}, &AuthError{Kind: ErrInvalid, Err: fmt.Errorf("token exceeds %d bytes", v.maxBytes)}
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return session.Viewer{}, &AuthError{Kind: ErrExpired, Err: err}
		}
		return session.Viewer{}, &AuthError{Kind: ErrInvalid, Err: err}
	}

	if claims.Subject == "" {
		return session.Viewer{}, &AuthError{Kind: ErrInvalid, Err: errors.New("missing sub claim")}
	}
	if claims.Email == "" {
		return session.Viewer{}, &AuthError{Kind: ErrInvalid, Err: errors.New("missing email claim")}
	}

	return session.Viewer{UserID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs an HS256 token for viewer that expires after ttl. The edge
// service never issues tokens itself; this exists for local tooling and tests.
func (v *Verifier) Issue(viewer session.Viewer, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: viewer.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewer.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return signHS256(v.secret, claims)
}

// Sign builds an HS256 token for viewer with the given expiry.
func Sign(secret []byte, viewer session.Viewer, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: viewer.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewer.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return signHS256(secret, claims)
}

func signHS256(secret []byte, claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
