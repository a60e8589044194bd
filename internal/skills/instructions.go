package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadContent reads and structures the documentation of the skill rooted at
// dir: front-matter is stripped, the body is split into sections on level-2
// and level-3 headings, and fenced code blocks are captured with their
// language tags.
func LoadContent(dir string) (*Content, error) {
	data, err := os.ReadFile(filepath.Join(dir, SkillFilename))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SkillFilename, err)
	}

	body := data
	if _, b, err := SplitFrontmatter(data); err == nil {
		body = b
	}
	return parseContent(string(body)), nil
}

func parseContent(body string) *Content {
	content := &Content{Raw: strings.TrimSpace(body)}

	var (
		curTitle  string
		curBody   []string
		inFence   bool
		fenceLang string
		fenceBody []string
	)

	flushSection := func() {
		text := strings.TrimSpace(strings.Join(curBody, "\n"))
		if curTitle != "" || text != "" {
			content.Sections = append(content.Sections, Section{Title: curTitle, Body: text})
		}
		curBody = nil
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				content.CodeBlocks = append(content.CodeBlocks, CodeBlock{
					Language: fenceLang,
					Code:     strings.Join(fenceBody, "\n"),
				})
				inFence = false
				fenceBody = nil
				curBody = append(curBody, line)
				continue
			}
			inFence = true
			fenceLang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			curBody = append(curBody, line)
			continue
		}
		if inFence {
			fenceBody = append(fenceBody, line)
			curBody = append(curBody, line)
			continue
		}

		if title, ok := headingTitle(trimmed); ok {
			flushSection()
			curTitle = title
			continue
		}
		curBody = append(curBody, line)
	}

	// An unterminated fence is kept as section text only.
	flushSection()
	return content
}

// headingTitle matches level-2 and level-3 markdown headings.
func headingTitle(line string) (string, bool) {
	for _, prefix := range []string{"### ", "## "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

// FindSection returns the first section whose title matches,
// case-insensitively.
func (c *Content) FindSection(title string) (Section, bool) {
	for _, s := range c.Sections {
		if strings.EqualFold(s.Title, title) {
			return s, true
		}
	}
	return Section{}, false
}
