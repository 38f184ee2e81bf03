package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetLogLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLogLevel("info") })

	assert.NoError(t, SetLogLevel("debug"))
	assert.True(t, Enabled(zapcore.DebugLevel))

	assert.NoError(t, SetLogLevel("WARN"))
	assert.False(t, Enabled(zapcore.InfoLevel))
	assert.True(t, Enabled(zapcore.ErrorLevel))

	assert.Error(t, SetLogLevel("verbose"))
}

func TestContextLogger(t *testing.T) {
	logger := New("test", "conn", "c1")
	ctx := With(context.Background(), logger)

	assert.Same(t, logger, From(ctx))
	assert.Same(t, DefaultLogger(), From(context.Background()))
	//nolint:staticcheck
	assert.Same(t, DefaultLogger(), From(nil))
}
