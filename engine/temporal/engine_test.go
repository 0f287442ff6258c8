package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/engine"
)

func TestNewRequiresTaskQueue(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestConvertRetryPolicyZeroValueIsNil(t *testing.T) {
	assert.Nil(t, convertRetryPolicy(engine.RetryPolicy{}))
}

func TestConvertRetryPolicyTranslatesFields(t *testing.T) {
	rp := convertRetryPolicy(engine.RetryPolicy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
	})
	require.NotNil(t, rp)
	assert.Equal(t, int32(5), rp.MaximumAttempts)
	assert.Equal(t, time.Second, rp.InitialInterval)
	assert.Equal(t, 2.0, rp.BackoffCoefficient)
}

