package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = c.Close() })
			return NewRedisStore(c, "test:magic:")
		},
	}
}

func newTestLinks(t *testing.T, store Store, clk *clock) *MagicLinks {
	t.Helper()
	return NewMagicLinks(store, MagicLinkConfig{
		Secret:   "link-secret",
		TTL:      5 * time.Minute,
		BasePath: "/api/search",
	}, WithClock(clk.Now))
}

func TestMagicLinkStores(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Run("generate then consume once", func(t *testing.T) {
				ctx := context.Background()
				clk := newClock()
				m := newTestLinks(t, factory(t), clk)

				link, err := m.Generate(ctx, "report")
				require.NoError(t, err)
				assert.Equal(t, 300, link.ExpiresIn)
				assert.Equal(t, "report", link.Purpose)

				rec, err := m.Consume(ctx, link.Token)
				require.NoError(t, err)
				assert.Equal(t, "report", rec.Purpose)
				assert.Equal(t, clk.Now().UnixMilli(), rec.CreatedAt.UnixMilli())
				assert.Equal(t, clk.Now().Add(5*time.Minute).UnixMilli(), rec.ExpiresAt.UnixMilli())

				_, err = m.Consume(ctx, link.Token)
				assert.ErrorIs(t, err, ErrTokenConsumed, "second use rejected before expiry")
			})

			t.Run("unknown token", func(t *testing.T) {
				m := newTestLinks(t, factory(t), newClock())
				_, err := m.Consume(context.Background(), "nope")
				assert.ErrorIs(t, err, ErrTokenNotFound)
				_, err = m.Consume(context.Background(), "")
				assert.ErrorIs(t, err, ErrTokenNotFound)
			})

			t.Run("expired token", func(t *testing.T) {
				ctx := context.Background()
				clk := newClock()
				m := newTestLinks(t, factory(t), clk)

				link, err := m.Generate(ctx, "")
				require.NoError(t, err)
				clk.Advance(5 * time.Minute)

				_, err = m.Consume(ctx, link.Token)
				assert.ErrorIs(t, err, ErrLinkExpired)
			})

			t.Run("active and cleanup", func(t *testing.T) {
				ctx := context.Background()
				clk := newClock()
				m := newTestLinks(t, factory(t), clk)

				first, err := m.Generate(ctx, "a")
				require.NoError(t, err)
				clk.Advance(time.Minute)
				_, err = m.Generate(ctx, "b")
				require.NoError(t, err)

				n, err := m.Active(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				_, err = m.Consume(ctx, first.Token)
				require.NoError(t, err)
				n, err = m.Active(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n, "consumed tokens are not active")

				clk.Advance(10 * time.Minute)
				n, err = m.Active(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)

				removed, err := m.Cleanup(ctx)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, removed, 1)
			})

			t.Run("concurrent consume has one winner", func(t *testing.T) {
				ctx := context.Background()
				m := newTestLinks(t, factory(t), newClock())
				link, err := m.Generate(ctx, "race")
				require.NoError(t, err)

				var wins atomic.Int32
				var wg sync.WaitGroup
				for range 20 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := m.Consume(ctx, link.Token); err == nil {
							wins.Add(1)
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, int32(1), wins.Load())
			})
		})
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := NewMemoryStore()
	m := newTestLinks(t, store, clk)

	link, err := m.Generate(ctx, "")
	require.NoError(t, err)
	_, err = m.Consume(ctx, link.Token)
	require.NoError(t, err)

	// Within the grace window a replay is still recognized.
	clk.Advance(5*time.Minute + 30*time.Second)
	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.Len())
	_, err = m.Consume(ctx, link.Token)
	assert.ErrorIs(t, err, ErrLinkExpired)

	clk.Advance(30 * time.Second)
	n, err = m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, store.Len())
	_, err = m.Consume(ctx, link.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	rec := Record{Token: "t", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.Put(context.Background(), rec))
	assert.Error(t, s.Put(context.Background(), rec))
	assert.Error(t, s.Put(context.Background(), Record{}))
}

func TestRedisStoreKeyExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer c.Close()
	m := newTestLinks(t, NewRedisStore(c, "test:magic:"), newClock())

	link, err := m.Generate(ctx, "")
	require.NoError(t, err)

	key := "test:magic:{links}:t:" + link.Token
	require.True(t, mr.Exists(key))
	assert.Equal(t, 5*time.Minute+RetentionGrace, mr.TTL(key))

	mr.FastForward(5*time.Minute + RetentionGrace)
	assert.False(t, mr.Exists(key))
	_, err = m.Consume(ctx, link.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer c.Close()
	m := newTestLinks(t, NewRedisStore(c, "test:magic:"), newClock())
	mr.Close()

	_, err := m.Generate(context.Background(), "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStoreBackendErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer c.Close()
	store := NewRedisStore(c, "test:magic:")
	ctx := context.Background()
	now := newClock().Now()

	// Wrong key types make every command fail while the server stays up.
	require.NoError(t, mr.Set("test:magic:{links}:active", "not-a-zset"))
	require.NoError(t, mr.Set("test:magic:{links}:t:tok", "not-a-hash"))

	_, err := store.Active(ctx, now)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Cleanup(ctx, now)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Consume(ctx, "tok", now)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrTokenNotFound)
}

func TestTokensAreUnique(t *testing.T) {
	clk := newClock()
	m := newTestLinks(t, NewMemoryStore(), clk)

	seen := make(map[string]bool)
	for range 100 {
		link, err := m.Generate(context.Background(), "")
		require.NoError(t, err)
		assert.False(t, seen[link.Token])
		seen[link.Token] = true
		assert.Len(t, link.Token, 43)
	}
}

func TestLinkURL(t *testing.T) {
	clk := newClock()
	m := newTestLinks(t, NewMemoryStore(), clk)

	link, err := m.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultPurpose, link.Purpose)

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/search", u.Path)
	assert.Equal(t, link.Token, u.Query().Get("magic_token"))

	m.basePath = "/api/search?q=go"
	assert.True(t, strings.HasPrefix(m.linkURL("abc"), "/api/search?q=go&magic_token="))
}

func TestMagicLinksRunStopsOnCancel(t *testing.T) {
	m := newTestLinks(t, NewMemoryStore(), newClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
