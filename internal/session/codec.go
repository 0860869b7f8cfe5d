package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Codec seals a Record into a signed cookie value and back. The cookie is an
// HS256 JWS: the registered exp claim carries the idle deadline, a custom
// claim carries the absolute expiry so the validator can enforce it as a hard
// ceiling even while the codec still considers the cookie fresh.
type Codec struct {
	secret      []byte
	idleTimeout time.Duration
	nowFunc     func() time.Time // for tests
}

type sessionClaims struct {
	SID  string           `json:"sid"`
	Auth bool             `json:"auth,omitempty"`
	Abs  *jwt.NumericDate `json:"abs"`
	Data map[string]any   `json:"data,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrEmptyCookie = errors.New("empty session cookie")
	ErrNoSecret    = errors.New("session codec requires a secret")
)

func NewCodec(secret string, idleTimeout time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if idleTimeout <= 0 {
		idleTimeout = 20 * time.Minute
	}
	return &Codec{
		secret:      []byte(secret),
		idleTimeout: idleTimeout,
		nowFunc:     time.Now,
	}, nil
}

// Encode seals rec. The idle deadline restarts from now, so re-encoding an
// existing record within the refresh window extends the idle timeout. The
// absolute expiry is carried through untouched.
func (c *Codec) Encode(rec *Record) (string, error) {
	now := c.nowFunc()
	claims := sessionClaims{
		SID:  rec.CorrelationID,
		Auth: rec.Authenticated,
		Abs:  jwt.NewNumericDate(rec.ExpiresAbsolutelyAt),
		Data: rec.Data,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.idleTimeout)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.secret)
}

// Decode opens a sealed cookie value. Any failure (bad signature, malformed,
// idle deadline passed) yields an error; callers treat that as "no session".
func (c *Codec) Decode(value string) (*Record, error) {
	if value == "" {
		return nil, ErrEmptyCookie
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.nowFunc),
	)
	var claims sessionClaims
	token, err := parser.ParseWithClaims(value, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	rec := &Record{
		CorrelationID: claims.SID,
		Authenticated: claims.Auth,
		Data:          claims.Data,
	}
	if claims.Abs != nil {
		rec.ExpiresAbsolutelyAt = claims.Abs.Time
	}
	return rec, nil
}

// ShouldRefresh reports whether a cookie issued at issuedAt is old enough
// that its idle deadline should be re-extended by re-encoding.
func (c *Codec) ShouldRefresh(issuedAt time.Time, refreshWindow time.Duration) bool {
	if refreshWindow <= 0 {
		return false
	}
	return c.nowFunc().Sub(issuedAt) >= refreshWindow
}

// IssuedAt extracts the iat claim without full validation; used only to
// decide refresh. Returns zero time on any problem.
func (c *Codec) IssuedAt(value string) time.Time {
	var claims sessionClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.nowFunc),
	)
	if _, err := parser.ParseWithClaims(value, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}); err != nil {
		return time.Time{}
	}
	if claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time
}
