package vars

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/skillhost/skillhost/internal/skills"
	"github.com/skillhost/skillhost/internal/tokens"
)

// Catalog phases, from cheapest to richest. Each phase's rendering of a
// tool is a prefix of the next phase's rendering, so prompt caches stay
// warm as the phase escalates.
const (
	PhaseMetadata = "metadata"
	PhaseBrief    = "brief"
	PhaseFull     = "full"
)

// Per-tool token targets for each phase. Descriptions are truncated, never
// parameters, when a tool overruns its target.
const (
	metadataTokenTarget = 50
	briefTokenTarget    = 150
	fullTokenTarget     = 300
)

// Adaptive phase boundaries by eligible skill count.
const (
	fullPhaseMaxSkills  = 3
	briefPhaseMaxSkills = 8
)

// SkillSource supplies the skills whose tools the catalog renders.
// Implemented by the index; only eligible skills are surfaced.
type SkillSource interface {
	ListEligible() []*skills.Metadata
}

// Catalog renders tool descriptions for prompt injection. The phase
// controls verbosity; AdaptivePhase picks one from the eligible skill
// count so small installs get rich descriptions and large ones stay
// within budget.
type Catalog struct {
	source SkillSource
}

// NewCatalog creates a catalog over a skill source.
func NewCatalog(source SkillSource) *Catalog {
	return &Catalog{source: source}
}

// AdaptivePhase returns the phase appropriate for the number of eligible
// skills. A skill's tool count does not matter; three verbose skills still
// deserve full descriptions.
func (c *Catalog) AdaptivePhase() string {
	count := len(c.source.ListEligible())
	switch {
	case count <= fullPhaseMaxSkills:
		return PhaseFull
	case count <= briefPhaseMaxSkills:
		return PhaseBrief
	default:
		return PhaseMetadata
	}
}

// Render produces the catalog text for a phase. Tools are ordered by skill
// name then tool name so repeated renders are byte-stable. Unknown phases
// render as metadata. Sorting happens on copies; indexed metadata is
// shared and never mutated here.
func (c *Catalog) Render(phase string) string {
	metas := slices.Clone(c.source.ListEligible())
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })

	var b strings.Builder
	for _, m := range metas {
		tools := slices.Clone(m.ToolSurface())
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			b.WriteString(c.renderTool(m, tool, phase))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// TokenEstimate reports the token cost of rendering a phase.
func (c *Catalog) TokenEstimate(phase string) int {
	return tokens.Estimate(c.Render(phase))
}

func (c *Catalog) renderTool(m *skills.Metadata, tool skills.ToolSpec, phase string) string {
	var b strings.Builder

	// Metadata line, present in every phase.
	desc := tool.Description
	if desc == "" {
		desc = m.Description
	}
	fmt.Fprintf(&b, "- %s: %s\n", tool.Name, truncateToTokens(desc, metadataTokenTarget))
	if phase != PhaseBrief && phase != PhaseFull {
		return b.String()
	}

	// Brief adds the parameter signature.
	if len(tool.Parameters) > 0 {
		names := make([]string, 0, len(tool.Parameters))
		for name := range tool.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			p := tool.Parameters[name]
			sig := name + ": " + p.Type
			if !p.Required {
				sig += "?"
			}
			parts = append(parts, sig)
		}
		fmt.Fprintf(&b, "  parameters: %s\n", strings.Join(parts, ", "))
	}
	if phase != PhaseFull {
		return b.String()
	}

	// Full adds per-parameter detail and the return shape.
	names := make([]string, 0, len(tool.Parameters))
	for name := range tool.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := tool.Parameters[name]
		if p.Description != "" {
			fmt.Fprintf(&b, "    %s: %s\n", name, truncateToTokens(p.Description, metadataTokenTarget))
		}
		if p.Validation != nil {
			if constraint := renderValidation(p.Validation); constraint != "" {
				fmt.Fprintf(&b, "    %s constraints: %s\n", name, constraint)
			}
		}
		if p.Default != nil {
			fmt.Fprintf(&b, "    %s default: %v\n", name, p.Default)
		}
	}
	if tool.Returns.Type != "" {
		fmt.Fprintf(&b, "  returns: %s", tool.Returns.Type)
		if tool.Returns.Description != "" {
			fmt.Fprintf(&b, " (%s)", truncateToTokens(tool.Returns.Description, metadataTokenTarget))
		}
		b.WriteString("\n")
	}
	if m.Domain != "" {
		fmt.Fprintf(&b, "  domain: %s\n", m.Domain)
	}
	return b.String()
}

func renderValidation(v *skills.ParamValidation) string {
	var parts []string
	if v.Min != nil {
		parts = append(parts, fmt.Sprintf("min=%g", *v.Min))
	}
	if v.Max != nil {
		parts = append(parts, fmt.Sprintf("max=%g", *v.Max))
	}
	if v.Pattern != "" {
		parts = append(parts, "pattern="+v.Pattern)
	}
	if len(v.Enum) > 0 {
		vals := make([]string, len(v.Enum))
		for i, e := range v.Enum {
			vals[i] = fmt.Sprint(e)
		}
		parts = append(parts, "enum="+strings.Join(vals, "|"))
	}
	return strings.Join(parts, " ")
}

// truncateToTokens shortens s to roughly the given token target, appending
// an ellipsis when anything was cut.
func truncateToTokens(s string, target int) string {
	if tokens.Estimate(s) <= target {
		return s
	}
	words := strings.Fields(s)
	for len(words) > 1 {
		words = words[:len(words)-1]
		candidate := strings.Join(words, " ")
		if tokens.Estimate(candidate) <= target-1 {
			return candidate + "…"
		}
	}
	return words[0] + "…"
}
