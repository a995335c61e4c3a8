package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "p2pd", Metrics: true, Traces: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "localhost:4318"})
	require.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken,=nokey, tenant=main,")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "main"}, got)
}
