// Package config provides orchestration configuration. NO infrastructure
// secrets or process wiring live here; see the settings package for those.
//
// OrchestratorConfig is built once and handed to the runtime by value; it is
// never read from globals.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default prompt text used by the plan and chat agents.
const (
	DefaultRouteDecisionPrompt = `You are the planning agent of a local assistant.
Decide whether the user's request needs a local tool (files, git, GitHub) or can be answered conversationally.
Respond with a single JSON object: {"route": "tool_execution" | "chat_only", "query": "<rewritten request>", "explanation": "<short reason>"}.
Use "chat_only" only when no tool could help.`

	DefaultChatOnlyPrompt = `You are a helpful assistant. Answer the user's request directly and concisely.
You have no access to tools in this mode.`

	DefaultPlanUserPrefix = "User request: "

	DefaultMissingPlanAnswer = "The plan agent could not build an execution plan from the tool manifest. " +
		"Check that the local tool endpoint manifest and tool list are available."
)

// OrchestratorConfig holds orchestration configuration.
type OrchestratorConfig struct {
	// Prompts
	RouteDecisionPrompt string `json:"route_decision_prompt" toml:"route_decision_prompt"`
	ChatOnlyPrompt      string `json:"chat_only_prompt" toml:"chat_only_prompt"`
	PlanUserPrefix      string `json:"plan_user_prefix" toml:"plan_user_prefix"`
	MissingPlanAnswer   string `json:"missing_plan_answer" toml:"missing_plan_answer"`

	// Execution
	LocalEndpoint       string `json:"local_endpoint" toml:"local_endpoint"`
	DefaultFollowUpTool string `json:"default_follow_up_tool" toml:"default_follow_up_tool"`

	// Timeouts (seconds, 0 disables)
	LLMTimeout  int `json:"llm_timeout" toml:"llm_timeout"`
	ToolTimeout int `json:"tool_timeout" toml:"tool_timeout"`

	// Output
	StreamChunkSize int `json:"stream_chunk_size" toml:"stream_chunk_size"`
	EmitBufferSize  int `json:"emit_buffer_size" toml:"emit_buffer_size"`

	// Logging
	LogLevel string `json:"log_level" toml:"log_level"`
}

// DefaultOrchestratorConfig returns an OrchestratorConfig with default values.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RouteDecisionPrompt: DefaultRouteDecisionPrompt,
		ChatOnlyPrompt:      DefaultChatOnlyPrompt,
		PlanUserPrefix:      DefaultPlanUserPrefix,
		MissingPlanAnswer:   DefaultMissingPlanAnswer,

		LocalEndpoint:       "http://127.0.0.1:5050/mcp",
		DefaultFollowUpTool: "create_pr",

		LLMTimeout:  120,
		ToolTimeout: 60,

		StreamChunkSize: 48,
		EmitBufferSize:  64,

		LogLevel: "INFO",
	}
}

// LogFields returns key/value pairs describing the config for a startup
// log line. Prompts are reported by length only.
func (c OrchestratorConfig) LogFields() []any {
	return []any{
		"local_endpoint", c.LocalEndpoint,
		"default_follow_up_tool", c.DefaultFollowUpTool,
		"llm_timeout_s", c.LLMTimeout,
		"tool_timeout_s", c.ToolTimeout,
		"stream_chunk_size", c.StreamChunkSize,
		"emit_buffer_size", c.EmitBufferSize,
		"route_prompt_chars", len(c.RouteDecisionPrompt),
		"chat_prompt_chars", len(c.ChatOnlyPrompt),
	}
}

// Validate reports every invalid field at once.
func (c OrchestratorConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RouteDecisionPrompt) == "" {
		errs = append(errs, errors.New("route_decision_prompt is required"))
	}
	if strings.TrimSpace(c.ChatOnlyPrompt) == "" {
		errs = append(errs, errors.New("chat_only_prompt is required"))
	}
	if c.StreamChunkSize < 1 {
		errs = append(errs, fmt.Errorf("stream_chunk_size must be >= 1, got %d", c.StreamChunkSize))
	}
	if c.EmitBufferSize < 1 {
		errs = append(errs, fmt.Errorf("emit_buffer_size must be >= 1, got %d", c.EmitBufferSize))
	}
	if c.LLMTimeout < 0 || c.ToolTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

// LLMTimeoutDuration returns the per-call language model timeout; 0 means none.
func (c OrchestratorConfig) LLMTimeoutDuration() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

// ToolTimeoutDuration returns the per-call tool and manifest timeout; 0 means none.
func (c OrchestratorConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(c.ToolTimeout) * time.Second
}
