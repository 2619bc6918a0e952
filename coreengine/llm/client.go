// Package llm implements orchestration.Generator over an OpenAI-compatible
// chat completions API, through a fantasy language model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/openaicompat"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
)

// Defaults for Options.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	providerName   = "openai"
)

// Response format modes.
const (
	ModeJSON = "json"
	ModeText = "text"
)

// jsonInstruction is appended to the system message in ModeJSON.
const jsonInstruction = "Respond with a single JSON object and nothing else."

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai api error (%d): %s", e.Status, e.Message)
}

// LanguageModel is the part of fantasy.LanguageModel the client calls.
type LanguageModel interface {
	Generate(ctx context.Context, call fantasy.Call) (*fantasy.Response, error)
	Model() string
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	// Temperature is sent as given; 0 is a valid setting.
	Temperature float64
	// Timeout bounds each call; 0 means none.
	Timeout time.Duration
	// LanguageModel replaces the OpenAI-compatible provider, for tests.
	LanguageModel LanguageModel
	Logger        logging.Logger
	Tracer        trace.Tracer
}

// Client calls the chat completions endpoint.
type Client struct {
	lm          LanguageModel
	model       string
	temperature float64
	timeout     time.Duration
	logger      logging.Logger
	tracer      trace.Tracer
}

// New creates a Client. Empty base URL and model take the package defaults.
func New(opts Options) (*Client, error) {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	lm := opts.LanguageModel
	if lm == nil {
		baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
		provider, err := openaicompat.New(
			openaicompat.WithBaseURL(baseURL),
			openaicompat.WithAPIKey(opts.APIKey),
			openaicompat.WithName(providerName),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s provider: %w", providerName, err)
		}
		if lm, err = provider.LanguageModel(context.Background(), model); err != nil {
			return nil, fmt.Errorf("get model %s: %w", model, err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	return &Client{
		lm:          lm,
		model:       model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		logger:      logger.Bind("component", "llm"),
		tracer:      tracer,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// GenerateStructured asks for a JSON object. A reply wrapped in prose or a
// code fence is reduced to its first JSON object.
func (c *Client) GenerateStructured(ctx context.Context, systemInstruction, userText string) (string, error) {
	content, err := c.Chat(ctx, ModeJSON, systemInstruction, userText)
	if err != nil {
		return "", err
	}
	return ExtractJSONObject(content), nil
}

// GenerateText asks for plain text.
func (c *Client) GenerateText(ctx context.Context, systemInstruction, userText string) (string, error) {
	return c.Chat(ctx, ModeText, systemInstruction, userText)
}

// Chat sends one system and one user message and returns the reply text.
func (c *Client) Chat(ctx context.Context, mode, systemInstruction, userText string) (content string, err error) {
	ctx, span := c.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.model", c.model),
		attribute.String("llm.mode", mode),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		durationMS := int(time.Since(start).Milliseconds())
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Warn("llm_call_failed", "model", c.model, "mode", mode, "error", err.Error(), "duration_ms", durationMS)
		} else {
			span.SetStatus(codes.Ok, "success")
			c.logger.Debug("llm_call_completed", "model", c.model, "mode", mode, "duration_ms", durationMS)
		}
		observability.RecordLLMCall(c.model, mode, status, durationMS)
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.lm.Generate(ctx, c.buildCall(mode, systemInstruction, userText))
	if err != nil {
		return "", apiError(ctx, err)
	}
	return responseText(resp), nil
}

func (c *Client) buildCall(mode, systemInstruction, userText string) fantasy.Call {
	if mode == ModeJSON {
		systemInstruction = strings.TrimSpace(systemInstruction + "\n\n" + jsonInstruction)
	}
	temperature := c.temperature
	return fantasy.Call{
		Prompt: fantasy.Prompt{
			fantasy.NewSystemMessage(systemInstruction),
			fantasy.NewUserMessage(userText),
		},
		Temperature: &temperature,
	}
}

// apiError maps provider failures to APIError. A cancelled or expired
// context is returned as is.
func apiError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var pe *fantasy.ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		msg := strings.TrimSpace(pe.Message)
		if msg == "" {
			msg = "request failed"
		}
		return &APIError{Status: pe.StatusCode, Message: msg}
	}
	return fmt.Errorf("request failed: %w", err)
}

// responseText joins the text parts of a response.
func responseText(resp *fantasy.Response) string {
	if resp == nil {
		return ""
	}
	var texts []string
	for _, content := range resp.Content {
		switch c := content.(type) {
		case *fantasy.TextContent:
			texts = append(texts, c.Text)
		case fantasy.TextContent:
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ExtractJSONObject returns text unchanged when it parses as JSON, otherwise
// the first balanced {...} span in it, otherwise text.
func ExtractJSONObject(text string) string {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}

	start := -1
	depth := 0
	inString, escaped := false, false
	for i, c := range trimmed {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if start == -1 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := trimmed[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				start = -1
			}
		}
	}
	return text
}
