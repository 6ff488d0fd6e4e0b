package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Meter("weir/test"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_ENABLED", "")

	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "localhost:4318", cfg.OTLPEndpoint)
	require.Equal(t, "weir", cfg.ServiceName)

	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SERVICE_NAME", "weir-staging")
	cfg = DefaultConfig()
	require.True(t, cfg.Enabled)
	require.Equal(t, "weir-staging", cfg.ServiceName)
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
