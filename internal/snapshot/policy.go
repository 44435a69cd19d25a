package snapshot

import "github.com/MarcoPoloResearchLab/pairsight/internal/diffing"

const (
	defaultLinesThreshold = 25
	defaultFilesThreshold = 5
)

// Policy decides whether accumulated diff magnitude warrants a commit.
type Policy struct {
	LinesThreshold int
	FilesThreshold int
}

// DefaultPolicy returns production threshold defaults.
func DefaultPolicy() Policy {
	return Policy{
		LinesThreshold: defaultLinesThreshold,
		FilesThreshold: defaultFilesThreshold,
	}
}

// ShouldCommit reports whether the change set crosses either the changed-line
// or the changed-file threshold.
func (p Policy) ShouldCommit(changes diffing.ChangeSet) bool {
	if len(changes) == 0 {
		return false
	}
	lines := p.LinesThreshold
	if lines <= 0 {
		lines = defaultLinesThreshold
	}
	files := p.FilesThreshold
	if files <= 0 {
		files = defaultFilesThreshold
	}
	return diffing.CountChangedLines(changes) >= lines || len(changes) >= files
}
