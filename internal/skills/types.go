// Package skills provides discovery, indexing, and loading of skills:
// self-describing tool packages on disk consisting of documentation,
// metadata, and one or more executables.
package skills

import (
	"time"
)

// SkillFilename is the documentation file expected in every skill directory.
// Its YAML front-matter is the preferred metadata source.
const SkillFilename = "SKILL.md"

// SidecarFilename is the optional metadata sidecar, used only when SKILL.md
// carries no front-matter block.
const SidecarFilename = "METADATA.yml"

// Canonical subdirectories of a skill package.
const (
	ScriptsDir    = "scripts"
	ReferencesDir = "references"
	AssetsDir     = "assets"
)

// DefaultMaxMetadataTokens is the per-skill budget for the estimated token
// cost of name + description. Exceeding it is a warning unless strict mode
// is enabled.
const DefaultMaxMetadataTokens = 50

// Metadata describes one skill. It is immutable once indexed; re-indexing
// replaces the record wholesale.
type Metadata struct {
	// Name is the unique skill identifier. Lookups are case-insensitive.
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName" yaml:"display_name"`
	Description string `json:"description" yaml:"description"`
	Version     string `json:"version" yaml:"version"`
	Type        string `json:"type" yaml:"type"`

	// Protocol selects how the entry is invoked; empty means argv-JSON.
	Protocol string `json:"protocol,omitempty" yaml:"protocol"`

	Domain       string   `json:"domain" yaml:"domain"`
	Keywords     []string `json:"keywords" yaml:"keywords"`
	Tags         []string `json:"tags,omitempty" yaml:"tags"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`

	Triggers *Triggers `json:"triggers,omitempty" yaml:"triggers"`

	// InputSchema and OutputSchema are JSON-Schema-shaped objects. They are
	// preserved verbatim and compiled lazily for parameter validation.
	InputSchema  map[string]any `json:"inputSchema,omitempty" yaml:"input_schema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"output_schema"`

	Security  SecurityPolicy `json:"security" yaml:"security"`
	Resources ResourceSpec   `json:"resources" yaml:"resources"`

	// Requires gates eligibility on host binaries and environment variables.
	Requires *Requires `json:"requires,omitempty" yaml:"requires"`

	Cacheable bool `json:"cacheable" yaml:"cacheable"`
	// TTL is the content cache lifetime in seconds. Must be > 0.
	TTL int `json:"ttl" yaml:"ttl"`
	// ttlDeclared distinguishes an absent ttl key, which gets a default,
	// from an explicit zero, which is rejected.
	ttlDeclared bool

	// Tools is the declared tool surface. When empty a single default tool
	// is synthesized from the skill metadata.
	Tools []ToolSpec `json:"tools,omitempty" yaml:"tools"`

	// Extra preserves unknown front-matter fields. They are never
	// dispatched on.
	Extra map[string]any `json:"extra,omitempty" yaml:"-"`

	// Path is the absolute skill directory recorded at scan time.
	Path     string    `json:"path" yaml:"-"`
	LoadedAt time.Time `json:"loadedAt" yaml:"-"`

	// DescriptionTokens is the estimated token cost of the metadata line.
	DescriptionTokens int `json:"descriptionTokens" yaml:"-"`
}

// Triggers declares intent/phrase/event matches that can raise a skill's
// search confidence above the keyword score.
type Triggers struct {
	Intents    []string `json:"intents,omitempty" yaml:"intents"`
	Phrases    []string `json:"phrases,omitempty" yaml:"phrases"`
	EventTypes []string `json:"eventTypes,omitempty" yaml:"event_types"`
	// Priority in (0,1] adds a confidence boost of 0.1*Priority.
	Priority float64 `json:"priority,omitempty" yaml:"priority"`
}

// Network policy values.
const (
	NetworkNone      = "none"
	NetworkAllowlist = "allowlist"
)

// Filesystem policy values.
const (
	FilesystemNone      = "none"
	FilesystemReadOnly  = "read-only"
	FilesystemReadWrite = "read-write"
)

// SecurityPolicy bounds a skill execution. Zero values are filled with
// defaults at load time.
type SecurityPolicy struct {
	TimeoutMs        int      `json:"timeoutMs" yaml:"timeout_ms"`
	MemoryMb         int      `json:"memoryMb" yaml:"memory_mb"`
	Network          string   `json:"network" yaml:"network"`
	NetworkAllowlist []string `json:"networkAllowlist,omitempty" yaml:"network_allowlist"`
	Filesystem       string   `json:"filesystem" yaml:"filesystem"`
	// Environment whitelists host variables forwarded to the subprocess and
	// may pin explicit values.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment"`
}

// Security policy defaults.
const (
	DefaultTimeoutMs = 3000
	DefaultMemoryMb  = 128
)

// ResourceSpec lists the files a skill ships. All paths are relative to the
// skill root; ".." segments are rejected at load time.
type ResourceSpec struct {
	// Entry is the executable launched by the sandbox. Required to exist.
	Entry      string   `json:"entry" yaml:"entry"`
	Helpers    []string `json:"helpers,omitempty" yaml:"helpers"`
	References []string `json:"references,omitempty" yaml:"references"`
	Assets     []string `json:"assets,omitempty" yaml:"assets"`
}

// Requires defines eligibility gating for a skill.
type Requires struct {
	// Bins requires all listed binaries to exist on PATH.
	Bins []string `json:"bins,omitempty" yaml:"bins"`
	// Env requires all listed environment variables to be set.
	Env []string `json:"env,omitempty" yaml:"env"`
}

// ToolSpec describes one callable operation exposed by a skill.
type ToolSpec struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description" yaml:"description"`
	Parameters  map[string]ParamSpec `json:"parameters,omitempty" yaml:"parameters"`
	Returns     ReturnSpec           `json:"returns" yaml:"returns"`
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        string           `json:"type" yaml:"type"`
	Description string           `json:"description,omitempty" yaml:"description"`
	Required    bool             `json:"required,omitempty" yaml:"required"`
	Default     any              `json:"default,omitempty" yaml:"default"`
	Validation  *ParamValidation `json:"validation,omitempty" yaml:"validation"`
}

// ParamValidation constrains a parameter value.
type ParamValidation struct {
	Min     *float64 `json:"min,omitempty" yaml:"min"`
	Max     *float64 `json:"max,omitempty" yaml:"max"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern"`
	Enum    []any    `json:"enum,omitempty" yaml:"enum"`
}

// ReturnSpec describes a tool's return value.
type ReturnSpec struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Content is the parsed documentation of a skill: the raw body plus its
// named sections and fenced code blocks. Derived and cached per TTL.
type Content struct {
	Raw        string      `json:"raw"`
	Sections   []Section   `json:"sections"`
	CodeBlocks []CodeBlock `json:"codeBlocks"`
}

// Section is one level-2/3 heading and its body.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CodeBlock is one fenced code block with its language tag.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Resources is the classified file listing of a skill directory. Asset
// bodies are never read.
type Resources struct {
	Scripts    []FileInfo `json:"scripts"`
	References []FileInfo `json:"references"`
	Assets     []FileInfo `json:"assets"`
	// Dependencies holds symbolic hints such as "node_modules".
	Dependencies []string `json:"dependencies,omitempty"`
}

// FileInfo describes one enumerated file.
type FileInfo struct {
	Path string `json:"path"` // relative to the skill root
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

// Snapshot is a lightweight representation of an indexed skill for
// session storage and CLI listings.
type Snapshot struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Domain      string `json:"domain"`
	Version     string `json:"version"`
	Path        string `json:"path"`
}

// ToSnapshot creates a Snapshot from indexed metadata.
func (m *Metadata) ToSnapshot() Snapshot {
	return Snapshot{
		Name:        m.Name,
		DisplayName: m.DisplayName,
		Description: m.Description,
		Domain:      m.Domain,
		Version:     m.Version,
		Path:        m.Path,
	}
}

// DefaultTool synthesizes the single tool exposed by skills that declare no
// explicit tool surface. Parameter specs are derived from the input schema
// when one is present.
func (m *Metadata) DefaultTool() ToolSpec {
	params := make(map[string]ParamSpec)
	if props, ok := m.InputSchema["properties"].(map[string]any); ok {
		required := map[string]bool{}
		if reqs, ok := m.InputSchema["required"].([]any); ok {
			for _, r := range reqs {
				if s, ok := r.(string); ok {
					required[s] = true
				}
			}
		}
		for name, raw := range props {
			spec := ParamSpec{Type: "string", Required: required[name]}
			if prop, ok := raw.(map[string]any); ok {
				if t, ok := prop["type"].(string); ok {
					spec.Type = t
				}
				if d, ok := prop["description"].(string); ok {
					spec.Description = d
				}
				if def, ok := prop["default"]; ok {
					spec.Default = def
				}
			}
			params[name] = spec
		}
	}
	return ToolSpec{
		Name:        m.Name,
		Description: m.Description,
		Parameters:  params,
		Returns:     ReturnSpec{Type: "object", Description: "skill output"},
	}
}

// ToolSurface returns the declared tools, or the synthesized default when
// none are declared.
func (m *Metadata) ToolSurface() []ToolSpec {
	if len(m.Tools) > 0 {
		return m.Tools
	}
	return []ToolSpec{m.DefaultTool()}
}
