// Package progress reads (but does not write) progress.txt: the agent
// itself appends to this file over the course of a run, and the core only
// needs to extract two blocks from it for the next prompt — the Codebase
// Patterns block and the most recent dated entries. It can also read the
// branch recorded in the file's header.
package progress

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// Read returns the full contents of progress.txt, or "" if it doesn't
// exist yet. progress.txt is advisory context, never a hard dependency, so
// any read error is tolerated as empty rather than propagated.
func Read(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

var headingRe = regexp.MustCompile(`(?m)^## .*$`)
var ruleRe = regexp.MustCompile(`(?m)^-{3,}\s*$`)

// ExtractCodebasePatterns captures the "## Codebase Patterns" block
// verbatim: from that heading line up to (but not including) the next
// "## " heading, a horizontal rule, or end of file. Returns "" if the
// heading is absent.
func ExtractCodebasePatterns(text string) string {
	idx := strings.Index(text, "## Codebase Patterns")
	if idx < 0 {
		return ""
	}
	rest := text[idx:]

	end := len(rest)
	if locs := headingRe.FindAllStringIndex(rest, -1); len(locs) > 1 {
		end = locs[1][0]
	}
	if loc := ruleRe.FindStringIndex(rest); loc != nil && loc[0] < end {
		end = loc[0]
	}

	return strings.TrimRight(rest[:end], "\n") + "\n"
}

var entryHeadingRe = regexp.MustCompile(`(?m)^## \[?\d{4}-\d{2}-\d{2}\]?.*$`)

// ExtractRecentEntries returns the last n date-prefixed entries from
// progress.txt (entries delimited by headings of the form
// "## YYYY-MM-DD ..." or "## [YYYY-MM-DD] ..."), concatenated in their
// original order. Returns "" if there are no such entries.
func ExtractRecentEntries(text string, n int) string {
	locs := entryHeadingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return ""
	}
	if len(locs) > n {
		locs = locs[len(locs)-n:]
	}

	var entries []string
	for i, loc := range locs {
		start := loc[0]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		entries = append(entries, strings.TrimRight(text[start:end], "\n"))
	}
	return strings.Join(entries, "\n\n") + "\n"
}

// ReadHintFile reads the hint file (.stuck-hint.md) at path, returning ""
// if absent.
func ReadHintFile(path string) string {
	return Read(path)
}

// ScanBranchHeader reads the "Branch: " line from a progress.txt header,
// stopping at the first "---" line. It reports false if the file cannot be
// opened or has no such line before the rule.
func ScanBranchHeader(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Branch: ") {
			return strings.TrimPrefix(line, "Branch: "), true
		}
		if strings.HasPrefix(line, "---") {
			break
		}
	}
	return "", false
}
