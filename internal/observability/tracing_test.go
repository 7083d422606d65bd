package observability

import (
	"context"
	"testing"

	"github.com/seawall/seawall/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing(t *testing.T) {
	t.Run("disabled returns no-op shutdown", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
		require.NoError(t, err)
		require.NotNil(t, shutdown)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("enabled builds a provider lazily", func(t *testing.T) {
		cfg := config.TracingConfig{
			Enabled:    true,
			Endpoint:   "http://localhost:4318",
			SampleRate: 0.5,
		}
		// The OTLP exporter connects lazily, so construction succeeds
		// without a collector.
		shutdown, err := InitTracing(context.Background(), cfg, "v1.0.0")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})

	t.Run("tracer is always available", func(t *testing.T) {
		_, span := Tracer().Start(context.Background(), "probe")
		defer span.End()
		assert.NotNil(t, span)
	})
}
