package skills

import (
	"context"
	"testing"
)

func buildIndex(t *testing.T, skillDefs map[string]string) *Index {
	t.Helper()
	root := t.TempDir()
	for dir, md := range skillDefs {
		writeSkill(t, root, dir, md)
	}
	ix := NewIndex(root, LoadOptions{})
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return ix
}

func TestIndex_ScanAndLookup(t *testing.T) {
	ix := buildIndex(t, map[string]string{"dice": diceSkillMD})

	if got := ix.Stats().TotalSkills; got != 1 {
		t.Fatalf("totalSkills = %d, want 1", got)
	}

	m, ok := ix.Get("dice")
	if !ok {
		t.Fatal("dice not found")
	}
	if m.Name != "dice" {
		t.Errorf("name = %q", m.Name)
	}

	// Lookups are case-insensitive.
	if _, ok := ix.Get("DICE"); !ok {
		t.Error("case-insensitive lookup failed")
	}

	stats := ix.Stats()
	if stats.CacheHits != 2 {
		t.Errorf("cacheHits = %d, want 2", stats.CacheHits)
	}
	if _, ok := ix.Get("nope"); ok {
		t.Error("unexpected hit")
	}
	if got := ix.Stats().CacheMisses; got != 1 {
		t.Errorf("cacheMisses = %d, want 1", got)
	}
}

func TestIndex_ScanSkipsBrokenSkills(t *testing.T) {
	ix := buildIndex(t, map[string]string{
		"dice": diceSkillMD,
		"broken": `---
name: broken
description: no keywords so rejected
keywords: []
ttl: 60
---
`,
	})
	if got := ix.Stats().TotalSkills; got != 1 {
		t.Errorf("totalSkills = %d, want 1 (broken skill skipped)", got)
	}
}

func TestIndex_RescanIsIdempotent(t *testing.T) {
	ix := buildIndex(t, map[string]string{"dice": diceSkillMD})

	before := ix.Stats().TotalSkills
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ix.Stats().TotalSkills; got != before {
		t.Errorf("totalSkills after rescan = %d, want %d", got, before)
	}
	if _, ok := ix.Get("dice"); !ok {
		t.Error("dice lost after rescan")
	}
}

func TestIndex_FindRelevantSkills_Dice(t *testing.T) {
	ix := buildIndex(t, map[string]string{"dice": diceSkillMD})

	matches := ix.FindRelevantSkills("roll a dice", SearchOptions{})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Skill.Name != "dice" {
		t.Errorf("match = %q", matches[0].Skill.Name)
	}
	if matches[0].Confidence < 0.6 {
		t.Errorf("confidence = %.2f, want >= 0.6", matches[0].Confidence)
	}
}

func TestIndex_FindRelevantSkills_EmptyIntent(t *testing.T) {
	ix := buildIndex(t, map[string]string{"dice": diceSkillMD})
	if matches := ix.FindRelevantSkills("", SearchOptions{}); len(matches) != 0 {
		t.Errorf("matches = %v, want none for empty intent", matches)
	}
}

func TestIndex_FindRelevantSkills_Triggers(t *testing.T) {
	md := `---
name: tarot
description: Draw tarot cards
keywords: [tarot]
ttl: 60
triggers:
  intents:
    - read my fortune
  phrases:
    - tarot reading
  priority: 0.5
---
`
	ix := buildIndex(t, map[string]string{"tarot": md})

	// Exact intent match scores 1.0 plus the priority boost, capped at 1.
	matches := ix.FindRelevantSkills("read my fortune", SearchOptions{})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Confidence != 1.0 {
		t.Errorf("confidence = %.2f, want 1.0", matches[0].Confidence)
	}

	// Contained intent scores 0.9 + 0.05 boost.
	matches = ix.FindRelevantSkills("please read my fortune now", SearchOptions{})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if got := matches[0].Confidence; got < 0.9 || got > 1.0 {
		t.Errorf("confidence = %.2f, want in [0.9, 1.0]", got)
	}
}

func TestIndex_FindRelevantSkills_Filters(t *testing.T) {
	ix := buildIndex(t, map[string]string{
		"dice": diceSkillMD,
		"weather": `---
name: weather
description: Fetch a weather forecast with temperature
keywords: [weather, forecast]
domain: meteo
ttl: 60
---
`,
	})

	// Domain filter excludes dice.
	matches := ix.FindRelevantSkills("weather forecast", SearchOptions{Domain: "meteo"})
	if len(matches) != 1 || matches[0].Skill.Name != "weather" {
		t.Errorf("domain-filtered matches = %v", matches)
	}

	// Required keywords filter.
	matches = ix.FindRelevantSkills("weather dice forecast random roll", SearchOptions{
		Limit:            10,
		RequiredKeywords: []string{"dice"},
	})
	for _, m := range matches {
		if m.Skill.Name != "dice" {
			t.Errorf("requiredKeywords leaked %q", m.Skill.Name)
		}
	}
}

func TestIndex_DuplicateNameLaterWins(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a-dice", diceSkillMD)
	writeSkill(t, root, "z-dice", diceSkillMD)

	ix := NewIndex(root, LoadOptions{})
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := ix.Stats().TotalSkills; got != 1 {
		t.Fatalf("totalSkills = %d, want 1", got)
	}
	m, ok := ix.Get("dice")
	if !ok {
		t.Fatal("dice not found")
	}
	// WalkDir visits lexically, so z-dice is scanned later and wins.
	if got := m.Path; !hasSuffix(got, "z-dice") {
		t.Errorf("path = %q, want the later directory", got)
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func TestIndex_ReloadSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "dice", diceSkillMD)

	ix := NewIndex(root, LoadOptions{})
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	updated := `---
name: dice
description: Roll a dice and return a random number
version: 2.0.0
keywords: [dice, random]
ttl: 600
---
`
	writeSkill(t, root, "dice", updated)

	if err := ix.ReloadSkill(context.Background(), "dice"); err != nil {
		t.Fatalf("ReloadSkill: %v", err)
	}
	m, _ := ix.Get("dice")
	if m.Version != "2.0.0" {
		t.Errorf("version after reload = %q, want 2.0.0", m.Version)
	}

	// Unknown skill falls back to a full rescan without error.
	if err := ix.ReloadSkill(context.Background(), "unknown"); err != nil {
		t.Errorf("ReloadSkill(unknown) = %v", err)
	}
}

func TestIndex_Eligibility(t *testing.T) {
	md := `---
name: gated
description: requires a binary that does not exist
keywords: [gated]
ttl: 60
requires:
  bins: [definitely-not-a-real-binary-xyz]
---
`
	ix := buildIndex(t, map[string]string{"gated": md, "dice": diceSkillMD})

	if got := len(ix.List()); got != 2 {
		t.Fatalf("List = %d, want 2", got)
	}
	eligible := ix.ListEligible()
	if len(eligible) != 1 || eligible[0].Name != "dice" {
		t.Errorf("eligible = %v, want only dice", eligible)
	}

	m, _ := ix.Get("gated")
	if reason := ix.IneligibleReason(m); reason == "" {
		t.Error("expected ineligibility reason")
	}

	// Ineligible skills never appear in search results.
	if matches := ix.FindRelevantSkills("gated", SearchOptions{}); len(matches) != 0 {
		t.Errorf("search returned ineligible skill: %v", matches)
	}
}
