package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skillhost/skillhost/internal/tokens"
)

// FrontmatterDelimiter marks the beginning and end of YAML front-matter.
const FrontmatterDelimiter = "---"

// LoadOptions configures metadata loading.
type LoadOptions struct {
	// Strict promotes budget and resource warnings to errors.
	Strict bool

	// MaxMetadataTokens caps the estimated token cost of name+description.
	// Zero means DefaultMaxMetadataTokens.
	MaxMetadataTokens int

	// DefaultTimeoutMs and DefaultMemoryMb apply to skills that declare no
	// security policy. Zero means the package defaults.
	DefaultTimeoutMs int
	DefaultMemoryMb  int
}

// LoadResult is the outcome of parsing one skill directory.
type LoadResult struct {
	Metadata *Metadata
	Warnings []string
}

// LoadMetadata reads and validates the descriptor of the skill rooted at
// dir. Front-matter embedded in SKILL.md is preferred; METADATA.yml is the
// fallback when SKILL.md has no front-matter block.
func LoadMetadata(dir string, opts LoadOptions) (*LoadResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve skill dir: %w", err)
	}

	skillFile := filepath.Join(abs, SkillFilename)
	data, err := os.ReadFile(skillFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SkillFilename, err)
	}

	frontmatter, _, fmErr := SplitFrontmatter(data)
	var descriptor []byte
	if fmErr == nil {
		descriptor = frontmatter
	} else {
		sidecar := filepath.Join(abs, SidecarFilename)
		descriptor, err = os.ReadFile(sidecar)
		if err != nil {
			return nil, fmt.Errorf("no front-matter in %s and no %s: %w", SkillFilename, SidecarFilename, fmErr)
		}
	}

	meta, extra, err := decodeDescriptor(descriptor)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	meta.Extra = extra
	meta.Path = abs
	meta.LoadedAt = time.Now()

	result := &LoadResult{Metadata: meta}
	applyDefaults(meta, opts)
	result.Warnings = append(result.Warnings, normalizeSecurity(&meta.Security)...)

	if err := normalizeResources(&meta.Resources); err != nil {
		return nil, err
	}

	if err := validate(meta); err != nil {
		return nil, err
	}

	layoutWarnings := checkLayout(meta)
	result.Warnings = append(result.Warnings, layoutWarnings...)

	resWarnings, err := checkResourceFiles(meta, opts.Strict)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, resWarnings...)

	budget := opts.MaxMetadataTokens
	if budget <= 0 {
		budget = DefaultMaxMetadataTokens
	}
	meta.DescriptionTokens = tokens.Estimate(meta.Name + ": " + meta.Description)
	if meta.DescriptionTokens > budget {
		msg := fmt.Sprintf("metadata exceeds token budget: %d > %d", meta.DescriptionTokens, budget)
		if opts.Strict {
			return nil, fmt.Errorf("%s", msg)
		}
		result.Warnings = append(result.Warnings, msg)
	}

	return result, nil
}

// SplitFrontmatter separates a YAML front-matter block from the markdown
// body. Returns (frontmatter, body, error).
func SplitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening front-matter delimiter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing front-matter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// knownKeys are descriptor fields decoded into Metadata. Anything else is
// preserved in Extra.
var knownKeys = map[string]bool{
	"name": true, "display_name": true, "description": true, "version": true,
	"type": true, "protocol": true, "domain": true, "keywords": true,
	"tags": true, "capabilities": true, "triggers": true,
	"input_schema": true, "output_schema": true, "security": true,
	"resources": true, "requires": true, "cacheable": true, "ttl": true,
	"tools": true, "permissions": true,
}

func decodeDescriptor(data []byte) (*Metadata, map[string]any, error) {
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if !knownKeys[k] {
			extra[k] = v
		}
	}
	_, meta.ttlDeclared = raw["ttl"]
	// The legacy "permissions" block is an alias for "security".
	if perms, ok := raw["permissions"].(map[string]any); ok && len(meta.Security.Network) == 0 && meta.Security.TimeoutMs == 0 {
		if encoded, err := yaml.Marshal(perms); err == nil {
			_ = yaml.Unmarshal(encoded, &meta.Security)
		}
	}
	if len(extra) == 0 {
		extra = nil
	}
	return &meta, extra, nil
}

func applyDefaults(m *Metadata, opts LoadOptions) {
	if m.DisplayName == "" {
		m.DisplayName = m.Name
	}
	if m.Version == "" {
		m.Version = "0.1.0"
	}
	if m.Type == "" {
		m.Type = "tool"
	}
	if m.Domain == "" {
		m.Domain = "general"
	}
	if m.Security.TimeoutMs == 0 {
		m.Security.TimeoutMs = DefaultTimeoutMs
		if opts.DefaultTimeoutMs > 0 {
			m.Security.TimeoutMs = opts.DefaultTimeoutMs
		}
	}
	if m.Security.MemoryMb == 0 {
		m.Security.MemoryMb = DefaultMemoryMb
		if opts.DefaultMemoryMb > 0 {
			m.Security.MemoryMb = opts.DefaultMemoryMb
		}
	}
	if m.Security.Network == "" {
		m.Security.Network = NetworkNone
	}
	if m.Security.Filesystem == "" {
		m.Security.Filesystem = FilesystemReadOnly
	}
	if m.Resources.Entry == "" {
		m.Resources.Entry = ScriptsDir + "/execute"
	}
	if m.TTL == 0 && !m.ttlDeclared && !m.Cacheable {
		// Non-cacheable skills still need a positive TTL for the metadata
		// tier; one hour matches the tier default. An explicit zero is left
		// for validate to reject.
		m.TTL = 3600
	}
}

func normalizeSecurity(s *SecurityPolicy) []string {
	var warnings []string
	switch s.Filesystem {
	case "read":
		s.Filesystem = FilesystemReadOnly
	case FilesystemNone, FilesystemReadOnly, FilesystemReadWrite:
	default:
		warnings = append(warnings, fmt.Sprintf("unknown filesystem policy %q, using read-only", s.Filesystem))
		s.Filesystem = FilesystemReadOnly
	}
	switch s.Network {
	case NetworkNone:
	case NetworkAllowlist:
		if len(s.NetworkAllowlist) == 0 {
			warnings = append(warnings, "network allowlist is empty, treating as none")
			s.Network = NetworkNone
		}
	default:
		warnings = append(warnings, fmt.Sprintf("unknown network policy %q, using none", s.Network))
		s.Network = NetworkNone
	}
	return warnings
}

func normalizeResources(r *ResourceSpec) error {
	var err error
	if r.Entry, err = normalizePath(r.Entry); err != nil {
		return fmt.Errorf("entry: %w", err)
	}
	for _, list := range []*[]string{&r.Helpers, &r.References, &r.Assets} {
		for i, p := range *list {
			np, err := normalizePath(p)
			if err != nil {
				return err
			}
			(*list)[i] = np
		}
	}
	return nil
}

// normalizePath strips a leading "./", rejects escapes of the skill root,
// and stores the canonical "./relative" form.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty resource path")
	}
	cleaned := filepath.Clean(strings.TrimPrefix(p, "./"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("resource path escapes skill root: %s", p)
	}
	return "./" + filepath.ToSlash(cleaned), nil
}

func validate(m *Metadata) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range m.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", m.Name)
		}
	}
	if m.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(m.Keywords) == 0 {
		return fmt.Errorf("at least one keyword is required")
	}
	if m.TTL <= 0 {
		return fmt.Errorf("ttl must be > 0, got %d", m.TTL)
	}
	return nil
}

// checkLayout prefers the canonical scripts/references/assets layout and
// warns when the entry lives elsewhere.
func checkLayout(m *Metadata) []string {
	entry := strings.TrimPrefix(m.Resources.Entry, "./")
	if strings.HasPrefix(entry, ScriptsDir+"/") {
		return nil
	}
	if _, err := os.Stat(filepath.Join(m.Path, ScriptsDir)); err == nil {
		return []string{fmt.Sprintf("entry %q is outside the canonical %s/ directory", m.Resources.Entry, ScriptsDir)}
	}
	return []string{fmt.Sprintf("non-canonical layout: no %s/ directory", ScriptsDir)}
}

// checkResourceFiles verifies declared files on disk. A missing entry is a
// hard error; missing helpers/references/assets are warnings unless strict.
func checkResourceFiles(m *Metadata, strict bool) ([]string, error) {
	entryPath := m.EntryPath()
	if _, err := os.Stat(entryPath); err != nil {
		return nil, fmt.Errorf("entry file missing: %s", entryPath)
	}

	var warnings []string
	check := func(kind string, paths []string) error {
		for _, p := range paths {
			full := filepath.Join(m.Path, strings.TrimPrefix(p, "./"))
			if _, err := os.Stat(full); err != nil {
				msg := fmt.Sprintf("declared %s missing: %s", kind, p)
				if strict {
					return fmt.Errorf("%s", msg)
				}
				warnings = append(warnings, msg)
			}
		}
		return nil
	}
	if err := check("helper", m.Resources.Helpers); err != nil {
		return nil, err
	}
	if err := check("reference", m.Resources.References); err != nil {
		return nil, err
	}
	if err := check("asset", m.Resources.Assets); err != nil {
		return nil, err
	}
	return warnings, nil
}

// EntryPath returns the absolute path of the skill's entry executable.
func (m *Metadata) EntryPath() string {
	return filepath.Join(m.Path, strings.TrimPrefix(m.Resources.Entry, "./"))
}
