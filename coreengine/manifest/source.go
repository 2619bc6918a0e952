// Package manifest plans tool calls from a tool manifest. Manifests come from
// the MCP endpoint, a YAML file, or the local tool registry.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/tools"
)

// ToolSpec describes one tool the planner may choose.
type ToolSpec struct {
	Name           string                  `json:"name" yaml:"name"`
	Description    string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords       []string                `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Arguments      map[string]any          `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	PathArgument   bool                    `json:"pathArgument,omitempty" yaml:"pathArgument,omitempty"`
	AlternatePaths []string                `json:"alternatePaths,omitempty" yaml:"alternatePaths,omitempty"`
	Workflow       *orchestration.Workflow `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Manifest is a list of tools.
type Manifest struct {
	Tools []ToolSpec `json:"tools" yaml:"tools"`
}

// Source loads a manifest. The attempt is diagnostic and may be nil.
type Source interface {
	Load(ctx context.Context, endpoint string) (*Manifest, *orchestration.ManifestAttempt, error)
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPSource fetches GET <endpoint>/manifest.
type HTTPSource struct {
	Client *http.Client
}

// URL returns the manifest URL for endpoint.
func (s HTTPSource) URL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/manifest"
}

// Load implements Source.
func (s HTTPSource) Load(ctx context.Context, endpoint string) (*Manifest, *orchestration.ManifestAttempt, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, nil, fmt.Errorf("no endpoint configured")
	}
	attempt := &orchestration.ManifestAttempt{URL: s.URL(endpoint)}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attempt.URL, nil)
	if err != nil {
		return nil, attempt, err
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, attempt, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	attempt.Status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, attempt, fmt.Errorf("fetch manifest: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, attempt, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, attempt, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, attempt, nil
}

// =============================================================================
// FILE
// =============================================================================

// FileSource reads a YAML (or JSON) manifest file. The endpoint is ignored.
type FileSource struct {
	Path string
}

// Load implements Source.
func (s FileSource) Load(ctx context.Context, _ string) (*Manifest, *orchestration.ManifestAttempt, error) {
	m, err := LoadFile(s.Path)
	return m, nil, err
}

// LoadFile parses a manifest file.
func LoadFile(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML or JSON manifest and checks tool names.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for i, t := range m.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("manifest tool %d has no name", i)
		}
	}
	return &m, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// RegistrySource exposes the local tool registry as a manifest.
type RegistrySource struct {
	Registry *tools.Registry
}

// Load implements Source.
func (s RegistrySource) Load(ctx context.Context, _ string) (*Manifest, *orchestration.ManifestAttempt, error) {
	if s.Registry == nil {
		return &Manifest{}, nil, nil
	}
	defs := s.Registry.Definitions()
	m := &Manifest{Tools: make([]ToolSpec, 0, len(defs))}
	for _, def := range defs {
		spec := ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Keywords:    def.Keywords,
		}
		if def.Name == tools.ToolReadFile {
			spec.PathArgument = true
		}
		m.Tools = append(m.Tools, spec)
	}
	return m, nil, nil
}
