// Package workspace reads the current text content of every trackable file
// under a workspace root into a path-keyed content map.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const defaultMaxFileBytes = 512 * 1024

// binarySniffBytes bounds the prefix inspected for NUL bytes.
const binarySniffBytes = 8000

var skippedDirectories = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	".idea":        {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	"__pycache__":  {},
}

// SkipDirectory reports whether a directory basename is excluded from capture
// and from filesystem watching.
func SkipDirectory(name string) bool {
	_, skip := skippedDirectories[name]
	return skip
}

// CapturerConfig describes how a workspace is read.
type CapturerConfig struct {
	Root         string
	MaxFileBytes int64
	Logger       *zap.Logger
}

// Capturer walks a workspace root and reads trackable text files.
type Capturer struct {
	root         string
	maxFileBytes int64
	logger       *zap.Logger
}

// NewCapturer validates the root directory and constructs a Capturer.
func NewCapturer(cfg CapturerConfig) (*Capturer, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("workspace: root directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("workspace: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: root %s is not a directory", absRoot)
	}

	maxFileBytes := cfg.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxFileBytes
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Capturer{root: absRoot, maxFileBytes: maxFileBytes, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (c *Capturer) Root() string {
	return c.root
}

// Capture reads every trackable file under the root into a map keyed by
// forward-slash relative path. Files that cannot be read, exceed the size cap,
// or look binary are skipped rather than failing the capture.
func (c *Capturer) Capture() (map[string]string, error) {
	files := map[string]string{}

	walkErr := filepath.WalkDir(c.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if path != c.root && SkipDirectory(entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.Size() > c.maxFileBytes {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			c.logger.Debug("workspace file skipped", zap.String("path", path), zap.Error(err))
			return nil
		}
		if looksBinary(content) {
			return nil
		}

		relPath, err := filepath.Rel(c.root, path)
		if err != nil {
			return nil
		}
		files[filepath.ToSlash(relPath)] = string(content)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("workspace: walk %s: %w", c.root, walkErr)
	}

	return files, nil
}

func looksBinary(content []byte) bool {
	prefix := content
	if len(prefix) > binarySniffBytes {
		prefix = prefix[:binarySniffBytes]
	}
	return bytes.IndexByte(prefix, 0) >= 0
}
