// Package auth identifies the caller of an external request. Credentials
// come from the Authorization header, either a signed JWT ("Bearer") or a
// static API key ("ApiKey"), or from a one-time magic-link token issued on
// the internal surface.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredentials     = errors.New("no credentials presented")
	ErrMalformedAuthorization = errors.New("malformed authorization header")
	ErrInvalidToken           = errors.New("invalid token")
	ErrTokenExpired           = errors.New("token expired")
	ErrInvalidAPIKey          = errors.New("invalid api key")
)

// Method records how a principal was established.
type Method string

const (
	MethodJWT       Method = "jwt"
	MethodAPIKey    Method = "api_key"
	MethodMagicLink Method = "magic_link"
	MethodAnonymous Method = "anonymous"
)

// Principal is the identity attached to a request after authentication.
type Principal struct {
	Subject   string    `json:"subject"`
	Method    Method    `json:"method"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Anonymous is the principal used when credential checks are disabled.
var Anonymous = Principal{Subject: "anonymous", Method: MethodAnonymous}

// Claims are the JWT claims issued and accepted by seawall.
type Claims struct {
	jwt.RegisteredClaims
}

// Config configures an Authenticator.
type Config struct {
	Secret     string
	Expiration time.Duration
	APIKeys    []string
	// CacheSize bounds the number of verified tokens kept in memory.
	// Zero disables the cache.
	CacheSize int64
}

type settings struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes an Authenticator or a MagicLinks manager.
type Option func(*settings)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Authenticator verifies Authorization headers. It is safe for concurrent
// use; the API key set can be replaced at runtime.
type Authenticator struct {
	secret     []byte
	expiration time.Duration
	keys       atomic.Pointer[[][sha256.Size]byte]
	cache      *ristretto.Cache[string, Principal]
	parser     *jwt.Parser
	settings
}

// New creates an Authenticator.
func New(cfg Config, opts ...Option) (*Authenticator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	a := &Authenticator{
		secret:     []byte(cfg.Secret),
		expiration: cfg.Expiration,
		settings:   newSettings(opts),
	}
	if a.expiration <= 0 {
		a.expiration = time.Hour
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	a.SetAPIKeys(cfg.APIKeys)

	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, Principal]{
			NumCounters:        cfg.CacheSize * 10,
			MaxCost:            cfg.CacheSize,
			BufferItems:        64,
			IgnoreInternalCost: true, // cost counts entries, not bytes
		})
		if err != nil {
			return nil, fmt.Errorf("auth: token cache: %w", err)
		}
		a.cache = cache
	}
	return a, nil
}

// Close releases the token cache.
func (a *Authenticator) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
}

// SetAPIKeys replaces the accepted API keys. Empty entries are ignored.
func (a *Authenticator) SetAPIKeys(keys []string) {
	digests := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}
	a.keys.Store(&digests)
}

// ClearCache drops every verified token from the cache.
func (a *Authenticator) ClearCache() {
	if a.cache != nil {
		a.cache.Clear()
	}
}

// Expiration is the lifetime of issued tokens.
func (a *Authenticator) Expiration() time.Duration {
	return a.expiration
}

// Issue signs a token for subject valid for the configured expiration.
func (a *Authenticator) Issue(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("auth: empty subject")
	}
	now := a.now()
	exp := now.Add(a.expiration)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign: %w", err)
	}
	// NumericDate has second precision.
	return signed, exp.Truncate(time.Second), nil
}

// Authenticate verifies the Authorization header of r.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return Principal{}, ErrMissingCredentials
	}
	scheme, cred, ok := strings.Cut(header, " ")
	cred = strings.TrimSpace(cred)
	if !ok || cred == "" {
		return Principal{}, ErrMalformedAuthorization
	}

	switch {
	case strings.EqualFold(scheme, "Bearer"):
		return a.verifyJWT(cred)
	case strings.EqualFold(scheme, "ApiKey"):
		return a.verifyAPIKey(cred)
	default:
		return Principal{}, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedAuthorization, scheme)
	}
}

func (a *Authenticator) verifyJWT(token string) (Principal, error) {
	now := a.now()
	if a.cache != nil {
		if p, ok := a.cache.Get(token); ok && now.Before(p.ExpiresAt) {
			return p, nil
		}
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Principal{}, ErrTokenExpired
	case err != nil:
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case claims.Subject == "":
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p := Principal{Subject: claims.Subject, Method: MethodJWT, ExpiresAt: claims.ExpiresAt.Time}
	if a.cache != nil {
		a.cache.SetWithTTL(token, p, 1, p.ExpiresAt.Sub(now))
	}
	return p, nil
}

func (a *Authenticator) verifyAPIKey(key string) (Principal, error) {
	digest := sha256.Sum256([]byte(key))
	match := 0
	for _, k := range *a.keys.Load() {
		match |= subtle.ConstantTimeCompare(digest[:], k[:])
	}
	if match != 1 {
		return Principal{}, ErrInvalidAPIKey
	}
	return Principal{Subject: "api_key", Method: MethodAPIKey}, nil
}
