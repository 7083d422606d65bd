package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenNotFound = errors.New("magic link not found")
	ErrLinkExpired   = errors.New("magic link expired")
	ErrTokenConsumed = errors.New("magic link already used")
	// ErrStoreUnavailable wraps backend failures of a shared store.
	ErrStoreUnavailable = errors.New("magic link store unavailable")
)

// RetentionGrace is how long a token record outlives its expiry, so that
// a late replay is reported as used or expired rather than unknown.
const RetentionGrace = 60 * time.Second

// DefaultPurpose labels links generated without a purpose.
const DefaultPurpose = "general"

// Record is the stored state of one token.
type Record struct {
	Token     string
	Purpose   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store holds magic-link records. Consume must mark a token used in a
// single atomic step: of any number of concurrent calls for one valid
// token, exactly one succeeds.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Consume(ctx context.Context, token string, now time.Time) (Record, error)
	// Cleanup purges what has outlived its retention and reports how many
	// tokens left the active set.
	Cleanup(ctx context.Context, now time.Time) (int, error)
	// Active counts unexpired, unconsumed tokens.
	Active(ctx context.Context, now time.Time) (int, error)
}

// Link is returned to the caller of Generate.
type Link struct {
	Token     string    `json:"token"`
	ExpiresIn int       `json:"expires_in"`
	URL       string    `json:"url"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MagicLinkConfig configures a MagicLinks manager.
type MagicLinkConfig struct {
	Secret   string
	TTL      time.Duration
	BasePath string
}

// MagicLinks issues and redeems one-time tokens.
type MagicLinks struct {
	store    Store
	secret   []byte
	ttl      time.Duration
	basePath string
	settings
}

// NewMagicLinks creates a manager over store.
func NewMagicLinks(store Store, cfg MagicLinkConfig, opts ...Option) *MagicLinks {
	m := &MagicLinks{
		store:    store,
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TTL,
		basePath: cfg.BasePath,
		settings: newSettings(opts),
	}
	if m.ttl <= 0 {
		m.ttl = 5 * time.Minute
	}
	if m.basePath == "" {
		m.basePath = "/api/search"
	}
	return m
}

// Generate issues a token for purpose. The token is an HMAC over a random
// UUID and the issue time, so it stays unique even if two processes share
// a poorly seeded random source.
func (m *MagicLinks) Generate(ctx context.Context, purpose string) (Link, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		purpose = DefaultPurpose
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return Link{}, fmt.Errorf("magic link: %w", err)
	}
	now := m.now()

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(id[:])
	_ = binary.Write(mac, binary.BigEndian, now.UnixNano())
	token := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	rec := Record{Token: token, Purpose: purpose, CreatedAt: now, ExpiresAt: now.Add(m.ttl)}
	if err := m.store.Put(ctx, rec); err != nil {
		return Link{}, err
	}
	m.logger.Info("magic link issued", "purpose", purpose, "token_prefix", prefix(token), "expires_at", rec.ExpiresAt)

	return Link{
		Token:     token,
		ExpiresIn: int(m.ttl / time.Second),
		URL:       m.linkURL(token),
		Purpose:   purpose,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (m *MagicLinks) linkURL(token string) string {
	sep := "?"
	if strings.Contains(m.basePath, "?") {
		sep = "&"
	}
	return m.basePath + sep + "magic_token=" + url.QueryEscape(token)
}

// Consume redeems token. It fails with ErrTokenNotFound, ErrLinkExpired,
// ErrTokenConsumed or a wrapped ErrStoreUnavailable.
func (m *MagicLinks) Consume(ctx context.Context, token string) (Record, error) {
	if token == "" {
		return Record{}, ErrTokenNotFound
	}
	rec, err := m.store.Consume(ctx, token, m.now())
	if err != nil {
		return Record{}, err
	}
	m.logger.Info("magic link consumed", "purpose", rec.Purpose, "token_prefix", prefix(token))
	return rec, nil
}

// Cleanup purges expired tokens and reports how many were removed.
func (m *MagicLinks) Cleanup(ctx context.Context) (int, error) {
	return m.store.Cleanup(ctx, m.now())
}

// Active counts tokens that could still be redeemed.
func (m *MagicLinks) Active(ctx context.Context) (int, error) {
	return m.store.Active(ctx, m.now())
}

// Run calls Cleanup every interval until ctx is canceled.
func (m *MagicLinks) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Cleanup(ctx)
			if err != nil {
				m.logger.Warn("magic link cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("expired magic links removed", "count", n)
			}
		}
	}
}

// prefix shortens a token for logs.
func prefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
