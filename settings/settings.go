// Package settings loads process settings: an optional agentrelay.toml, an
// optional .env file, and environment overrides, in that order of
// increasing precedence.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/config"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/ratelimit"
)

// Default file names looked up in the working directory.
const (
	DefaultFile    = "agentrelay.toml"
	DefaultEnvFile = ".env"
)

// Environment variables that override file settings.
const (
	EnvAPIKey        = "OPENAI_API_KEY"
	EnvModel         = "OPENAI_MODEL"
	EnvBaseURL       = "OPENAI_BASE_URL"
	EnvLocalEndpoint = "LOCAL_MCP_ENDPOINT"
	EnvHTTPAddr      = "AGENTRELAY_HTTP_ADDR"
	EnvGRPCAddr      = "AGENTRELAY_GRPC_ADDR"
	EnvLogLevel      = "AGENTRELAY_LOG_LEVEL"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Settings is the whole process configuration.
type Settings struct {
	Orchestrator config.OrchestratorConfig `toml:"orchestrator"`
	LLM          LLMSettings               `toml:"llm"`
	Server       ServerSettings            `toml:"server"`
	Tools        ToolSettings              `toml:"tools"`
	Telemetry    TelemetrySettings         `toml:"telemetry"`
	Logging      LoggingSettings           `toml:"logging"`
}

// LLMSettings configures the chat completions client.
type LLMSettings struct {
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	APIKeyEnv   string  `toml:"api_key_env"` // defaults to OPENAI_API_KEY
	APIKey      string  `toml:"-"`           // resolved from the environment only
}

// ServerSettings configures the listeners.
type ServerSettings struct {
	HTTPAddr        string `toml:"http_addr"`
	GRPCAddr        string `toml:"grpc_addr"` // empty disables the admin gRPC server
	ShutdownTimeout int    `toml:"shutdown_timeout"`
	HealthInterval  int    `toml:"health_interval"`
	// RateLimit applies per client address to the chat endpoints.
	RateLimit ratelimit.Config `toml:"rate_limit"`
}

// ToolSettings configures in-process tools and the manifest.
type ToolSettings struct {
	Workspace          string `toml:"workspace"`
	ManifestFile       string `toml:"manifest_file"`
	MaxReadBytes       int    `toml:"max_read_bytes"`
	AllowDefaultBranch bool   `toml:"allow_default_branch"`
	DisableBuiltins    bool   `toml:"disable_builtins"`
}

// TelemetrySettings configures trace export. An empty endpoint disables it.
type TelemetrySettings struct {
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	Environment string  `toml:"environment"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// LoggingSettings configures the log handler. The level lives in
// Orchestrator.LogLevel.
type LoggingSettings struct {
	Format string `toml:"format"` // json or text
}

// Default returns settings with every default filled in.
func Default() Settings {
	return Settings{
		Orchestrator: config.DefaultOrchestratorConfig(),
		LLM: LLMSettings{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			APIKeyEnv:   EnvAPIKey,
		},
		Server: ServerSettings{
			HTTPAddr:        "127.0.0.1:8787",
			GRPCAddr:        "127.0.0.1:8788",
			ShutdownTimeout: 10,
			HealthInterval:  10,
			RateLimit: ratelimit.Config{
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
			},
		},
		Tools: ToolSettings{
			Workspace:    ".",
			MaxReadBytes: 64 * 1024,
		},
		Telemetry: TelemetrySettings{
			ServiceName: "agentrelay",
			Environment: "development",
			SampleRatio: 1,
		},
		Logging: LoggingSettings{Format: "json"},
	}
}

// Options controls where Load looks.
type Options struct {
	// Path is the TOML file. Empty means DefaultFile, which may be absent;
	// an explicit path must exist.
	Path string
	// EnvFile is the dotenv file. Empty means DefaultEnvFile, which may be absent.
	EnvFile string
	// Getenv reads the process environment. Defaults to os.Getenv.
	Getenv func(string) string
}

// Load reads settings. Process environment wins over the dotenv file, which
// wins over the TOML file.
func Load(opts Options) (Settings, error) {
	s := Default()

	path, explicit := opts.Path, opts.Path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	lookup, err := envLookup(opts)
	if err != nil {
		return Settings{}, err
	}
	s.applyEnv(lookup)

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// envLookup layers the process environment over the dotenv file.
func envLookup(opts Options) (func(string) string, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	envFile, explicit := opts.EnvFile, opts.EnvFile != ""
	if !explicit {
		envFile = DefaultEnvFile
	}
	fileEnv, err := godotenv.Read(envFile)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		fileEnv = map[string]string{}
	}

	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fileEnv[key]
	}, nil
}

func (s *Settings) applyEnv(lookup func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			*dst = v
		}
	}

	keyEnv := s.LLM.APIKeyEnv
	if keyEnv == "" {
		keyEnv = EnvAPIKey
	}
	set(keyEnv, &s.LLM.APIKey)
	set(EnvModel, &s.LLM.Model)
	set(EnvBaseURL, &s.LLM.BaseURL)
	set(EnvLocalEndpoint, &s.Orchestrator.LocalEndpoint)
	set(EnvHTTPAddr, &s.Server.HTTPAddr)
	set(EnvGRPCAddr, &s.Server.GRPCAddr)
	set(EnvLogLevel, &s.Orchestrator.LogLevel)
	set(EnvOTLPEndpoint, &s.Telemetry.Endpoint)
}

// Validate reports every invalid field at once.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Orchestrator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if strings.TrimSpace(s.LLM.Model) == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be within [0, 2], got %g", s.LLM.Temperature))
	}
	if strings.TrimSpace(s.Server.HTTPAddr) == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if s.Server.ShutdownTimeout < 0 || s.Server.HealthInterval < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if s.Server.RateLimit.RequestsPerMinute < 0 || s.Server.RateLimit.RequestsPerHour < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}
	if s.Tools.MaxReadBytes < 0 {
		errs = append(errs, errors.New("tools.max_read_bytes must not be negative"))
	}
	return errors.Join(errs...)
}

// ShutdownTimeoutDuration returns the graceful shutdown budget.
func (s Settings) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.Server.ShutdownTimeout) * time.Second
}

// HealthIntervalDuration returns the health check interval.
func (s Settings) HealthIntervalDuration() time.Duration {
	return time.Duration(s.Server.HealthInterval) * time.Second
}
