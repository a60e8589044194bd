package vars

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/skillhost/skillhost/internal/skills"
)

type fakeSource struct{ metas []*skills.Metadata }

func (f *fakeSource) ListEligible() []*skills.Metadata { return f.metas }

func toolSkill(name, desc string, tools ...skills.ToolSpec) *skills.Metadata {
	return &skills.Metadata{Name: name, Description: desc, Domain: "games", Tools: tools}
}

func rollTool() skills.ToolSpec {
	min, max := 2.0, 100.0
	return skills.ToolSpec{
		Name:        "roll",
		Description: "Roll an n-sided dice",
		Parameters: map[string]skills.ParamSpec{
			"sides": {
				Type:        "integer",
				Description: "number of faces",
				Required:    true,
				Validation:  &skills.ParamValidation{Min: &min, Max: &max},
			},
			"count": {Type: "integer", Default: 1},
		},
		Returns: skills.ReturnSpec{Type: "object", Description: "rolled values"},
	}
}

func TestCatalog_AdaptivePhase(t *testing.T) {
	mk := func(n int) *Catalog {
		var metas []*skills.Metadata
		for i := 0; i < n; i++ {
			name := string(rune('a' + i))
			metas = append(metas, toolSkill(name, "skill "+name, skills.ToolSpec{Name: name}))
		}
		return NewCatalog(&fakeSource{metas: metas})
	}

	cases := []struct {
		skills int
		want   string
	}{
		{1, PhaseFull},
		{3, PhaseFull},
		{4, PhaseBrief},
		{8, PhaseBrief},
		{9, PhaseMetadata},
		{20, PhaseMetadata},
	}
	for _, tc := range cases {
		if got := mk(tc.skills).AdaptivePhase(); got != tc.want {
			t.Errorf("%d skills: phase = %s, want %s", tc.skills, got, tc.want)
		}
	}
}

func TestCatalog_AdaptivePhaseCountsSkillsNotTools(t *testing.T) {
	manyTools := make([]skills.ToolSpec, 5)
	for i := range manyTools {
		manyTools[i] = skills.ToolSpec{Name: fmt.Sprintf("op%d", i)}
	}
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{
		toolSkill("alpha", "a", manyTools...),
		toolSkill("beta", "b", manyTools...),
	}})

	if got := c.AdaptivePhase(); got != PhaseFull {
		t.Errorf("phase = %s, want %s for two skills regardless of tool count", got, PhaseFull)
	}
}

func TestCatalog_RenderKeepsDeclaredToolOrder(t *testing.T) {
	m := toolSkill("dice", "Dice rolling",
		skills.ToolSpec{Name: "zeta"},
		skills.ToolSpec{Name: "alpha"},
	)
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{m}})

	c.Render(PhaseMetadata)
	if m.Tools[0].Name != "zeta" || m.Tools[1].Name != "alpha" {
		t.Errorf("declared tool order mutated by render: %v, %v", m.Tools[0].Name, m.Tools[1].Name)
	}
}

func TestCatalog_PhasePrefixProperty(t *testing.T) {
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{
		toolSkill("dice", "Dice rolling", rollTool()),
	}})

	metadata := c.Render(PhaseMetadata)
	brief := c.Render(PhaseBrief)
	full := c.Render(PhaseFull)

	if !strings.HasPrefix(brief, metadata) {
		t.Errorf("brief does not start with metadata:\n%q\nvs\n%q", brief, metadata)
	}
	if !strings.HasPrefix(full, brief) {
		t.Errorf("full does not start with brief:\n%q\nvs\n%q", full, brief)
	}
}

func TestCatalog_FullPhaseDetail(t *testing.T) {
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{
		toolSkill("dice", "Dice rolling", rollTool()),
	}})

	full := c.Render(PhaseFull)
	for _, want := range []string{
		"- roll: Roll an n-sided dice",
		"parameters: count: integer?, sides: integer",
		"sides constraints: min=2 max=100",
		"count default: 1",
		"returns: object (rolled values)",
		"domain: games",
	} {
		if !strings.Contains(full, want) {
			t.Errorf("full phase missing %q:\n%s", want, full)
		}
	}
}

func TestCatalog_StableOrdering(t *testing.T) {
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{
		toolSkill("zeta", "z skill", skills.ToolSpec{Name: "zeta"}),
		toolSkill("alpha", "a skill", skills.ToolSpec{Name: "alpha"}),
	}})

	first := c.Render(PhaseMetadata)
	second := c.Render(PhaseMetadata)
	if first != second {
		t.Error("renders not byte-stable")
	}
	if strings.Index(first, "alpha") > strings.Index(first, "zeta") {
		t.Errorf("not sorted by name:\n%s", first)
	}
}

func TestCatalog_DescriptionTruncation(t *testing.T) {
	long := strings.Repeat("verbose explanation of behavior ", 40)
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{
		toolSkill("wordy", long, skills.ToolSpec{Name: "wordy", Description: long}),
	}})

	out := c.Render(PhaseMetadata)
	if len(out) >= len(long) {
		t.Errorf("description not truncated: %d bytes", len(out))
	}
	if !strings.Contains(out, "…") {
		t.Error("truncation marker missing")
	}
}

func TestToolsProvider(t *testing.T) {
	c := NewCatalog(&fakeSource{metas: []*skills.Metadata{
		toolSkill("dice", "Dice rolling", rollTool()),
	}})
	p := NewToolsProvider(c)

	v, ok := p.Expand(context.Background(), "", RequestContext{})
	if !ok || !strings.Contains(v, "- roll:") {
		t.Errorf("adaptive render = %q, %v", v, ok)
	}
	v, ok = p.Expand(context.Background(), "metadata", RequestContext{})
	if !ok || strings.Contains(v, "parameters:") {
		t.Errorf("metadata render leaked detail: %q", v)
	}
}
