// Package prd parses a Markdown Product Requirements Document into a
// structured ParsedPrd: a title, a fixed set of named top-level sections,
// and an ordered list of user stories.
package prd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Story is one user story parsed out of the "User Stories" section.
type Story struct {
	ID                 string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Raw                string // Markdown block: the heading re-emitted at level 3, then the source body up to the next heading
}

// ParsedPrd is the structured form of a Markdown PRD.
type ParsedPrd struct {
	Title                   string
	Introduction            string
	Goals                   string
	NonGoals                string
	TechnicalConsiderations string
	FunctionalRequirements  string
	DesignConsiderations    string
	SuccessMetrics          string
	OpenQuestions           string
	Stories                 []Story
}

// normalizeHeading lowercases a heading, turns hyphens into spaces, strips
// non-letters, and collapses whitespace, matching it against the fixed
// table of known level-2 section names.
func normalizeHeading(h string) string {
	h = strings.ToLower(h)
	h = strings.ReplaceAll(h, "-", " ")
	var b strings.Builder
	for _, r := range h {
		if (r >= 'a' && r <= 'z') || r == ' ' {
			b.WriteRune(r)
		}
	}
	fields := strings.Fields(b.String())
	return strings.Join(fields, " ")
}

var phaseMarkerRe = regexp.MustCompile(`^Phase\s+(\d+|[A-Za-z]+)\s*:`)

var storyHeadingRe = regexp.MustCompile(`^(US-\d+)\s*:\s*(.*)$`)

// Parse converts Markdown source into a ParsedPrd. It never fails on shape:
// missing or malformed sections simply produce empty fields.
func Parse(source string) (*ParsedPrd, error) {
	src := []byte(source)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	p := &ParsedPrd{}

	// Walk top-level children: find the first H1 for the title, and split
	// the remainder into H2-delimited sections.
	var sections []section
	var cur *section
	var sawTitle bool

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			text := headingText(h, src)
			switch h.Level {
			case 1:
				if !sawTitle {
					p.Title = text
					sawTitle = true
					continue
				}
			case 2:
				if cur != nil {
					sections = append(sections, *cur)
				}
				cur = &section{name: normalizeHeading(text)}
				continue
			}
		}
		if cur != nil {
			cur.nodes = append(cur.nodes, n)
		}
	}
	if cur != nil {
		sections = append(sections, *cur)
	}

	for _, s := range sections {
		body := renderNodes(s.nodes, src)
		switch s.name {
		case "introduction":
			p.Introduction = body
		case "goals":
			p.Goals = body
		case "non goals":
			p.NonGoals = body
		case "technical considerations":
			p.TechnicalConsiderations = body
		case "functional requirements":
			p.FunctionalRequirements = body
		case "design considerations":
			p.DesignConsiderations = body
		case "success metrics":
			p.SuccessMetrics = body
		case "open questions":
			p.OpenQuestions = body
		case "user stories":
			p.Stories = parseStories(s.nodes, src)
		}
	}

	return p, nil
}

type section struct {
	name  string
	nodes []ast.Node
}

// parseStories subparses the nodes under "## User Stories" by walking
// level-3-through-5 headings, skipping phase markers, and giving headings
// without an explicit "US-NNN:" prefix the id US-<n>, where n is the
// story's 1-based position in the list.
func parseStories(nodes []ast.Node, src []byte) []Story {
	type block struct {
		heading string
		nodes   []ast.Node
	}
	var blocks []block
	var cur *block

	for _, n := range nodes {
		if h, ok := n.(*ast.Heading); ok && h.Level >= 3 && h.Level <= 5 {
			txt := headingText(h, src)
			stripped := strings.TrimPrefix(strings.TrimSpace(txt), "✓")
			stripped = strings.TrimSpace(stripped)
			if phaseMarkerRe.MatchString(stripped) {
				if cur != nil {
					blocks = append(blocks, *cur)
				}
				cur = nil
				continue
			}
			if cur != nil {
				blocks = append(blocks, *cur)
			}
			cur = &block{heading: txt}
			continue
		}
		if cur != nil {
			cur.nodes = append(cur.nodes, n)
		}
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}

	var stories []Story
	seq := 1
	for _, b := range blocks {
		id := ""
		title := strings.TrimSuffix(strings.TrimSpace(b.heading), ":")
		if m := storyHeadingRe.FindStringSubmatch(strings.TrimSpace(b.heading)); m != nil {
			id = m[1]
			title = m[2]
		} else {
			id = fmt.Sprintf("US-%03d", seq)
		}
		seq++

		body := renderNodes(b.nodes, src)
		desc, criteria := splitStoryBody(body)

		raw := "### " + b.heading + "\n\n" + body

		stories = append(stories, Story{
			ID:                 id,
			Title:              title,
			Description:        desc,
			AcceptanceCriteria: criteria,
			Raw:                raw,
		})
	}
	return stories
}

var fieldHeaderRe = regexp.MustCompile(`(?m)^\*\*([A-Za-z ]+):\*\*\s*$`)

// splitStoryBody extracts the description (text following "**Description:**"
// up to the next blank line or "**Word:**" header) and the acceptance
// criteria (bullets following "**Acceptance Criteria:**" up to the next
// blank-line+"**" or deeper heading).
func splitStoryBody(body string) (string, []string) {
	lines := strings.Split(body, "\n")

	var desc string
	var criteria []string

	descIdx := indexOfField(lines, "Description")
	if descIdx >= 0 {
		var out []string
		for i := descIdx + 1; i < len(lines); i++ {
			line := lines[i]
			if strings.TrimSpace(line) == "" {
				break
			}
			if fieldHeaderRe.MatchString(line) {
				break
			}
			out = append(out, strings.TrimSpace(line))
		}
		desc = strings.TrimSpace(strings.Join(out, " "))
	}

	acIdx := indexOfField(lines, "Acceptance Criteria")
	if acIdx >= 0 {
		blankSeen := false
		for i := acIdx + 1; i < len(lines); i++ {
			line := lines[i]
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				blankSeen = true
				continue
			}
			if blankSeen && strings.HasPrefix(trimmed, "**") {
				break
			}
			if strings.HasPrefix(trimmed, "#") {
				break
			}
			if trimmed == "" {
				continue
			}
			criteria = append(criteria, line)
			blankSeen = false
		}
	}

	return desc, criteria
}

func indexOfField(lines []string, name string) int {
	want := "**" + name + ":**"
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), want) {
			return i
		}
	}
	return -1
}

func headingText(h *ast.Heading, src []byte) string {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(b.String())
}

// renderNodes reconstructs the original Markdown text spanning a set of
// top-level block nodes by slicing the source between their segment bounds.
func renderNodes(nodes []ast.Node, src []byte) string {
	if len(nodes) == 0 {
		return ""
	}
	start, end := -1, -1
	for _, n := range nodes {
		s, e := nodeSpan(n, src)
		if s < 0 {
			continue
		}
		if start < 0 || s < start {
			start = s
		}
		if e > end {
			end = e
		}
	}
	if start < 0 || end < 0 || end <= start || end > len(src) {
		return ""
	}
	return strings.TrimSpace(string(src[start:end]))
}

// nodeSpan returns the byte offsets [start,end) of a block node's textual
// content by finding its first and last text segments.
func nodeSpan(n ast.Node, src []byte) (int, int) {
	var start, end = -1, -1
	var walk func(ast.Node)
	walk = func(node ast.Node) {
		if lines, ok := hasLines(node); ok {
			l := lines
			for i := 0; i < l.Len(); i++ {
				seg := l.At(i)
				if start < 0 || seg.Start < start {
					start = seg.Start
				}
				if seg.Stop > end {
					end = seg.Stop
				}
			}
		}
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(n)
	return start, end
}

func hasLines(n ast.Node) (*text.Segments, bool) {
	// Only block nodes carry line segments; goldmark panics on Lines() for
	// inline nodes.
	if n.Type() != ast.TypeBlock {
		return nil, false
	}
	return n.Lines(), true
}
