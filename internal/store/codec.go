package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/pairsight/internal/diffing"
)

// EncodeChangeSet serializes a path-to-diff mapping for the changes column.
func EncodeChangeSet(changes diffing.ChangeSet) (string, error) {
	encoded, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("store: encode change set: %w", err)
	}
	return string(encoded), nil
}

// DecodeChangeSet parses the changes column back into a path-to-diff mapping.
// Older writers stored the payload double-encoded as a JSON string; both forms
// are accepted.
func DecodeChangeSet(raw string) (diffing.ChangeSet, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return diffing.ChangeSet{}, nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, fmt.Errorf("store: decode change set wrapper: %w", err)
		}
		trimmed = inner
	}

	changes := diffing.ChangeSet{}
	if err := json.Unmarshal([]byte(trimmed), &changes); err != nil {
		return nil, fmt.Errorf("store: decode change set: %w", err)
	}
	return changes, nil
}

// EncodeContentMap serializes a path-to-content mapping for the snapshot
// column.
func EncodeContentMap(files map[string]string) (string, error) {
	encoded, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("store: encode content map: %w", err)
	}
	return string(encoded), nil
}

// DecodeContentMap parses the snapshot column back into a path-to-content
// mapping.
func DecodeContentMap(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	files := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &files); err != nil {
		return nil, fmt.Errorf("store: decode content map: %w", err)
	}
	return files, nil
}
