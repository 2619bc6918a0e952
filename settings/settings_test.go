package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestDefaultsAreValid(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())

	assert.Equal(t, "gpt-4o-mini", s.LLM.Model)
	assert.Equal(t, 0.2, s.LLM.Temperature)
	assert.Equal(t, 48, s.Orchestrator.StreamChunkSize)
	assert.Equal(t, 10*time.Second, s.ShutdownTimeoutDuration())
	assert.Equal(t, 10*time.Second, s.HealthIntervalDuration())
	assert.True(t, s.Server.RateLimit.Enabled())
}

func TestLoadWithoutFiles(t *testing.T) {
	s, err := Load(Options{Getenv: envMap(nil)})
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "agentrelay.toml", `
[orchestrator]
local_endpoint = "http://127.0.0.1:9000/mcp"
stream_chunk_size = 16

[llm]
model = "gpt-4.1"
temperature = 0.5
api_key_env = "MY_KEY"

[server]
http_addr = ":9090"
grpc_addr = ""

[server.rate_limit]
requests_per_minute = 0
requests_per_hour = 500

[tools]
workspace = "/srv/repo"
manifest_file = "tools.yaml"
allow_default_branch = true

[logging]
format = "text"
`)

	s, err := Load(Options{Path: path, Getenv: envMap(map[string]string{"MY_KEY": "sk-file"})})
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9000/mcp", s.Orchestrator.LocalEndpoint)
	assert.Equal(t, 16, s.Orchestrator.StreamChunkSize)
	assert.Equal(t, "gpt-4.1", s.LLM.Model)
	assert.Equal(t, 0.5, s.LLM.Temperature)
	assert.Equal(t, "sk-file", s.LLM.APIKey)
	assert.Equal(t, ":9090", s.Server.HTTPAddr)
	assert.Empty(t, s.Server.GRPCAddr)
	assert.Equal(t, 0, s.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, 500, s.Server.RateLimit.RequestsPerHour)
	assert.Equal(t, "/srv/repo", s.Tools.Workspace)
	assert.True(t, s.Tools.AllowDefaultBranch)
	assert.Equal(t, "text", s.Logging.Format)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Orchestrator.ChatOnlyPrompt, s.Orchestrator.ChatOnlyPrompt)
	assert.Equal(t, "agentrelay", s.Telemetry.ServiceName)
}

func TestZeroTemperatureIsKept(t *testing.T) {
	path := writeTemp(t, "agentrelay.toml", "[llm]\ntemperature = 0.0\n")

	s, err := Load(Options{Path: path, Getenv: envMap(nil)})

	require.NoError(t, err)
	assert.Zero(t, s.LLM.Temperature)
}

func TestEnvironmentPrecedence(t *testing.T) {
	tomlPath := writeTemp(t, "agentrelay.toml", `
[llm]
model = "from-toml"

[server]
http_addr = ":1111"
`)
	envPath := writeTemp(t, ".env", "OPENAI_MODEL=from-dotenv\nAGENTRELAY_HTTP_ADDR=:2222\nOPENAI_API_KEY=sk-dotenv\n")

	s, err := Load(Options{
		Path:    tomlPath,
		EnvFile: envPath,
		Getenv: envMap(map[string]string{
			EnvHTTPAddr:      ":3333",
			EnvLocalEndpoint: "http://mcp.local/mcp",
			EnvOTLPEndpoint:  "otel:4317",
			EnvLogLevel:      "debug",
			EnvGRPCAddr:      ":4444",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv", s.LLM.Model)
	assert.Equal(t, "sk-dotenv", s.LLM.APIKey)
	assert.Equal(t, ":3333", s.Server.HTTPAddr)
	assert.Equal(t, ":4444", s.Server.GRPCAddr)
	assert.Equal(t, "http://mcp.local/mcp", s.Orchestrator.LocalEndpoint)
	assert.Equal(t, "otel:4317", s.Telemetry.Endpoint)
	assert.Equal(t, "debug", s.Orchestrator.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")

	tests := []struct {
		name    string
		opts    Options
		message string
	}{
		{"explicit toml missing", Options{Path: missing}, "failed to parse settings"},
		{"malformed toml", Options{Path: writeTemp(t, "bad.toml", "[llm\nmodel=")}, "failed to parse settings"},
		{"explicit env file missing", Options{EnvFile: missing}, "failed to read env file"},
		{"invalid values", Options{Path: writeTemp(t, "invalid.toml", `
[orchestrator]
stream_chunk_size = 0

[llm]
temperature = 3.5
`)}, "stream_chunk_size must be >= 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Getenv = envMap(nil)
			_, err := Load(tt.opts)
			assert.ErrorContains(t, err, tt.message)
		})
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	s := Default()
	s.LLM.Model = ""
	s.LLM.Temperature = -1
	s.Server.HTTPAddr = " "
	s.Server.ShutdownTimeout = -1
	s.Tools.MaxReadBytes = -5
	s.Server.RateLimit.RequestsPerHour = -1

	err := s.Validate()
	require.Error(t, err)
	for _, msg := range []string{
		"llm.model is required",
		"llm.temperature must be within [0, 2]",
		"server.http_addr is required",
		"server timeouts must not be negative",
		"tools.max_read_bytes must not be negative",
		"server.rate_limit values must not be negative",
	} {
		assert.ErrorContains(t, err, msg)
	}
}
