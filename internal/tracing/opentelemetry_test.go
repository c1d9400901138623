package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.Equal(t, "ticketbridge", config.ServiceName)
	assert.Equal(t, "dev", config.ServiceVersion)
	assert.Equal(t, 0.1, config.SampleRate)
	assert.False(t, config.Enabled)
	assert.True(t, config.UseStdout)
	assert.NoError(t, config.Validate())
}

func TestTracingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  TracingConfig
		wantErr bool
	}{
		{"disabled skips checks", TracingConfig{SampleRate: 7}, false},
		{"stdout", TracingConfig{Enabled: true, UseStdout: true, SampleRate: 1}, false},
		{"otlp", TracingConfig{Enabled: true, OTLPEndpoint: "http://collector:4318/v1/traces", SampleRate: 0.5}, false},
		{"sample rate too high", TracingConfig{Enabled: true, UseStdout: true, SampleRate: 1.5}, true},
		{"negative sample rate", TracingConfig{Enabled: true, UseStdout: true, SampleRate: -0.1}, true},
		{"otlp without endpoint", TracingConfig{Enabled: true, SampleRate: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewTracingManager_Defaults(t *testing.T) {
	tm := NewTracingManager(TracingConfig{}, nil)
	require.NotNil(t, tm.logger)
	assert.Equal(t, ServiceName, tm.config.ServiceName)
}

func TestTracingManager_DisabledTracing(t *testing.T) {
	tm := NewTracingManager(TracingConfig{Enabled: false}, quietLogger())
	ctx := context.Background()

	require.NoError(t, tm.Initialize(ctx))
	assert.Nil(t, tm.tracerProvider)
	require.NoError(t, tm.Shutdown(ctx))
}

func TestTracingManager_InvalidConfig(t *testing.T) {
	tm := NewTracingManager(TracingConfig{Enabled: true, SampleRate: 2, UseStdout: true}, quietLogger())
	assert.Error(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
}

func TestTracingManager_EnabledWithStdout(t *testing.T) {
	tm := NewTracingManager(TracingConfig{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		SampleRate:     1.0,
		Enabled:        true,
		UseStdout:      true,
	}, quietLogger())
	ctx := context.Background()

	require.NoError(t, tm.Initialize(ctx))
	require.NotNil(t, tm.tracerProvider)

	spanCtx, span := StartSpan(ctx, "sync_ticket", attribute.String("ticket.id", "ABC-1"))
	assert.True(t, span.IsRecording())
	assert.NotEmpty(t, GetOtelTraceID(spanCtx))
	assert.NotEmpty(t, GetOtelSpanID(spanCtx))
	span.End()

	require.NoError(t, tm.Shutdown(ctx))
	require.NoError(t, tm.Shutdown(ctx))
}

func TestTracingManager_ShutdownWithoutInit(t *testing.T) {
	tm := NewTracingManager(DefaultTracingConfig(), quietLogger())
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestSpanHelpers_NoRecordingSpan(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("k", "v"))
		SetSpanStatus(ctx, codes.Ok, "fine")
		RecordError(ctx, errors.New("boom"))
	})
	assert.Empty(t, GetOtelTraceID(ctx))
	assert.Empty(t, GetOtelSpanID(ctx))
}

func TestWithOtelTracing_FallsBackToGeneratedIDs(t *testing.T) {
	ctx, span := WithOtelTracing(context.Background(), "webhook_request")
	defer span.End()

	assert.Len(t, GetTraceID(ctx), 32)
	assert.Len(t, GetSpanID(ctx), 16)
}

func TestWithOtelTracing_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ctx, span := WithOtelTracing(context.Background(), "http_request")
		span.End()
		id := GetTraceID(ctx)
		assert.False(t, seen[id], "duplicate trace id %s", id)
		seen[id] = true
	}
}
