package perloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/internal/config"
	"github.com/perloop-ai/perloop/telemetry"
)

func TestStartupConstructsSingletonsAndShutdownIsIdempotent(t *testing.T) {
	cfg := config.Default()
	rt, err := Startup(context.Background(), cfg, telemetry.NewNoop())
	require.NoError(t, err)
	assert.NotNil(t, rt.Broker)
	assert.NotNil(t, rt.Tools)
	assert.Nil(t, rt.Knowledge, "no knowledge base_url configured")

	rt.Shutdown()
	rt.Shutdown() // idempotent
}

func TestStartupConstructsKnowledgeClientWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Knowledge.BaseURL = "http://127.0.0.1:1"
	rt, err := Startup(context.Background(), cfg, telemetry.NewNoop())
	require.NoError(t, err)
	defer rt.Shutdown()
	assert.NotNil(t, rt.Knowledge)
}
