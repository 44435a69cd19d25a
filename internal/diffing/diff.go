// Package diffing computes per-file unified diffs between two workspace
// content maps. It uses github.com/pmezard/go-difflib to produce classic
// unified patches (---/+++ headers, @@ hunks, lines prefixed with ' ', '-',
// '+').
package diffing

import (
	"fmt"
	"sort"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// ChangeSet maps workspace-relative paths to unified diff text. Paths with no
// changes never appear in the set.
type ChangeSet map[string]string

const contextLines = 3

// Compute diffs current against baseline. Files present only in current are
// rendered as all-added patches against /dev/null; files present only in
// baseline are rendered as all-removed patches. Files whose content is
// identical in both maps are omitted.
func Compute(baseline, current map[string]string) ChangeSet {
	changes := ChangeSet{}

	for path, content := range current {
		previous, existed := baseline[path]
		if existed && previous == content {
			continue
		}
		fromName := "/dev/null"
		if existed {
			fromName = "a/" + path
		}
		text := unified(fromName, "b/"+path, previous, content)
		if text != "" {
			changes[path] = text
		}
	}

	for path, previous := range baseline {
		if _, stillPresent := current[path]; stillPresent {
			continue
		}
		text := unified("a/"+path, "/dev/null", previous, "")
		if text != "" {
			changes[path] = text
		}
	}

	return changes
}

// CountChangedLines sums added and removed lines across all diff texts in the
// set. The ---/+++ file headers share the addition and removal prefixes with
// content such as removed "-- comment" lines or added "++i;" lines, so header
// exclusion is positional: every patch produced here starts with exactly one
// "--- " line and one "+++ " line, and only lines after them are counted.
func CountChangedLines(changes ChangeSet) int {
	total := 0
	for _, diffText := range changes {
		for index, line := range strings.Split(diffText, "\n") {
			if index < 2 {
				continue
			}
			if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
				total++
			}
		}
	}
	return total
}

// Format renders the set as a human-readable concatenation of per-file
// sections in path order.
func Format(changes ChangeSet) string {
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var builder strings.Builder
	for _, path := range paths {
		fmt.Fprintf(&builder, "### %s\n", path)
		builder.WriteString(changes[path])
		if !strings.HasSuffix(changes[path], "\n") {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}
	return strings.TrimRight(builder.String(), "\n")
}

func unified(fromName, toName, before, after string) string {
	patch := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(before),
		B:        splitLinesKeepNL(after),
		FromFile: fromName,
		ToFile:   toName,
		Context:  contextLines,
	}
	text, err := difflib.GetUnifiedDiffString(patch)
	if err != nil {
		return fmt.Sprintf("--- %s\n+++ %s\n", fromName, toName)
	}
	return text
}

// splitLinesKeepNL keeps the trailing newline on each element, which produces
// better unified hunks. A file that does not end with a newline keeps its last
// chunk without one.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
