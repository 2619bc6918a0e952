package main

// Globals are flags shared by every command.
type Globals struct {
	Config  string `short:"c" help:"Settings file path (default agentrelay.toml when present)" type:"path"`
	EnvFile string `help:"Dotenv file path (default .env when present)" type:"path"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"1" help:"Serve the HTTP API and the admin gRPC server"`
	Ask     AskCmd     `cmd:"" help:"Run one prompt and print the answer"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd runs the long-lived server.
type ServeCmd struct {
	HTTPAddr string `help:"HTTP listen address (overrides settings)"`
	GRPCAddr string `help:"Admin gRPC listen address (overrides settings)"`
	NoGRPC   bool   `help:"Disable the admin gRPC server"`
}

// AskCmd runs a single prompt from the terminal.
type AskCmd struct {
	Prompt    []string `arg:"" help:"Prompt text"`
	Endpoint  string   `short:"e" help:"MCP endpoint for this request"`
	Envelopes bool     `help:"Print A2A envelopes to stderr as JSON lines"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}
