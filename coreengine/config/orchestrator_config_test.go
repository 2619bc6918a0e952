package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOrchestratorConfig(t *testing.T) {
	c := DefaultOrchestratorConfig()

	assert.Equal(t, 48, c.StreamChunkSize)
	assert.Equal(t, 64, c.EmitBufferSize)
	assert.Equal(t, "create_pr", c.DefaultFollowUpTool)
	assert.Equal(t, 120, c.LLMTimeout)
	assert.Equal(t, 60, c.ToolTimeout)
	assert.NotEmpty(t, c.RouteDecisionPrompt)
	assert.NotEmpty(t, c.ChatOnlyPrompt)
	assert.NoError(t, c.Validate())
}

func TestTimeoutDurations(t *testing.T) {
	c := DefaultOrchestratorConfig()
	c.LLMTimeout = 5
	c.ToolTimeout = 0

	assert.Equal(t, 5*time.Second, c.LLMTimeoutDuration())
	assert.Equal(t, time.Duration(0), c.ToolTimeoutDuration())
}

func TestLogFieldsHidePrompts(t *testing.T) {
	c := DefaultOrchestratorConfig()
	c.LocalEndpoint = "http://localhost:9/mcp"

	fields := c.LogFields()
	require.Zero(t, len(fields)%2)

	kv := map[any]any{}
	for i := 0; i < len(fields); i += 2 {
		kv[fields[i]] = fields[i+1]
	}
	assert.Equal(t, "http://localhost:9/mcp", kv["local_endpoint"])
	assert.Equal(t, len(DefaultRouteDecisionPrompt), kv["route_prompt_chars"])
	for _, v := range fields {
		assert.NotEqual(t, DefaultRouteDecisionPrompt, v)
	}
}

func TestOrchestratorConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OrchestratorConfig)
		wantErr string
	}{
		{"zero chunk size", func(c *OrchestratorConfig) { c.StreamChunkSize = 0 }, "stream_chunk_size"},
		{"zero buffer", func(c *OrchestratorConfig) { c.EmitBufferSize = 0 }, "emit_buffer_size"},
		{"empty route prompt", func(c *OrchestratorConfig) { c.RouteDecisionPrompt = "  " }, "route_decision_prompt"},
		{"empty chat prompt", func(c *OrchestratorConfig) { c.ChatOnlyPrompt = "" }, "chat_only_prompt"},
		{"negative timeout", func(c *OrchestratorConfig) { c.ToolTimeout = -1 }, "timeouts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultOrchestratorConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
