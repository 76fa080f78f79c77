package telemetry

import (
	"context"
	"testing"

	"github.com/agenticcoder/execbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "endpoint is required")
	assert.Contains(t, err.Error(), "service_name is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled local insecure", func(c *Config) { c.Enabled = true }, ""},
		{"remote insecure rejected", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
		}, "insecure connections"},
		{"remote tls allowed", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://otel.example.com:4318"
			c.Insecure = false
			c.Protocol = "http/protobuf"
		}, ""},
		{"bad protocol", func(c *Config) {
			c.Enabled = true
			c.Protocol = "thrift"
		}, "protocol"},
		{"bad sampling", func(c *Config) {
			c.Enabled = true
			c.SamplingRate = 2
		}, "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.False(t, isLocalEndpoint("collector.internal:4317"))
}

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		Endpoint:        "localhost:4318",
		Protocol:        "http/protobuf",
		ServiceName:     "bridge",
		Insecure:        true,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "bridge", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.NoError(t, cfg.Validate())
}

func TestNewResource(t *testing.T) {
	res := newResource(NewDefaultConfig())
	v, ok := res.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "execbridge", v.AsString())
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "lifecycle.setup")
	span.SetAttributes(attribute.String("agent", "planner"))
	span.End()

	counter, err := tt.Meter("test").Int64Counter("execbridge.invocations_total")
	require.NoError(t, err)
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("transport", "process")))
	counter.Add(ctx, 1)

	tt.AssertSpanExists(t, "lifecycle.setup")
	tt.AssertSpanAttribute(t, "lifecycle.setup", "agent", "planner")
	assert.Equal(t, int64(3), tt.CounterValue(t, "execbridge.invocations_total"))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
}

func TestTelemetry_LoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider())

	lp := noop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}
