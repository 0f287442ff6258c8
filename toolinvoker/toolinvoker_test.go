package toolinvoker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perloop-ai/perloop/internal/config"
)

type fakeSession struct {
	tools   []string
	callFn  func(ctx context.Context, tool string, payload []byte) ([]byte, error)
	closed  bool
}

func (f *fakeSession) Call(ctx context.Context, tool string, payload []byte) ([]byte, error) {
	return f.callFn(ctx, tool, payload)
}
func (f *fakeSession) ListTools(ctx context.Context) ([]string, error) { return f.tools, nil }
func (f *fakeSession) Close() error                                    { f.closed = true; return nil }

func newTestInvoker(t *testing.T, fs *fakeSession) *Invoker {
	inv := New()
	err := inv.registerWith(context.Background(), config.MCPServerConfig{Name: "srv"}, 0, time.Second,
		func(ctx context.Context, cfg config.MCPServerConfig) (session, error) { return fs, nil })
	require.NoError(t, err)
	return inv
}

func TestCallMissingToolReturnsStructuredError(t *testing.T) {
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		return nil, nil
	}}
	inv := newTestInvoker(t, fs)

	res := inv.Call(context.Background(), "nonexistent", []byte(`{}`))
	require.False(t, res.Success)
	assert.Equal(t, ErrorMissingTool, res.Err.Type)
}

func TestCallSucceeds(t *testing.T) {
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}}
	inv := newTestInvoker(t, fs)

	res := inv.Call(context.Background(), "scan", []byte(`{"target":"10.0.0.1"}`))
	require.True(t, res.Success)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
}

func TestCallRetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, context.DeadlineExceeded
		}
		return []byte(`{"ok":true}`), nil
	}}
	inv := newTestInvoker(t, fs)

	res := inv.Call(context.Background(), "scan", []byte(`{}`))
	require.True(t, res.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestCallGivesUpAfterRetryExhaustion(t *testing.T) {
	var attempts int32
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, context.DeadlineExceeded
	}}
	inv := newTestInvoker(t, fs)

	res := inv.Call(context.Background(), "scan", []byte(`{}`))
	require.False(t, res.Success)
	assert.Equal(t, ErrorTransient, res.Err.Type)
	assert.Equal(t, int32(retryAttempts), atomic.LoadInt32(&attempts))
}

func TestCallDoesNotRetryUnknownErrors(t *testing.T) {
	var attempts int32
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, assertError("boom")
	}}
	inv := newTestInvoker(t, fs)

	res := inv.Call(context.Background(), "scan", []byte(`{}`))
	require.False(t, res.Success)
	assert.Equal(t, ErrorUnknown, res.Err.Type)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "non-whitelisted errors must not be retried")
}

func TestCallValidatesPayloadAgainstSchema(t *testing.T) {
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}}
	inv := newTestInvoker(t, fs)

	schema, err := jsonschema.CompileString("schema.json", `{
		"type": "object",
		"required": ["target"],
		"properties": {"target": {"type": "string"}}
	}`)
	require.NoError(t, err)
	inv.RegisterSchema("srv", "scan", schema)

	res := inv.Call(context.Background(), "scan", []byte(`{"target":123}`))
	require.False(t, res.Success)
	assert.Equal(t, ErrorSyntax, res.Err.Type)

	res = inv.Call(context.Background(), "scan", []byte(`{"target":"10.0.0.1"}`))
	assert.True(t, res.Success)
}

func TestCloseClosesAllSessions(t *testing.T) {
	fs := &fakeSession{tools: []string{"scan"}, callFn: func(ctx context.Context, tool string, payload []byte) ([]byte, error) {
		return nil, nil
	}}
	inv := newTestInvoker(t, fs)
	require.NoError(t, inv.Close())
	assert.True(t, fs.closed)
}

type assertError string

func (e assertError) Error() string { return string(e) }
