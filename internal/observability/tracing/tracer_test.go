package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tr, err := New(context.Background(), Config{ServiceName: "opencrm"})
	require.NoError(t, err)
	assert.False(t, tr.Enabled())

	_, span := tr.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestSamplingRate(t *testing.T) {
	assert.Equal(t, 1.0, samplingRate(0))
	assert.Equal(t, 1.0, samplingRate(2))
	assert.Equal(t, 0.25, samplingRate(0.25))
}
