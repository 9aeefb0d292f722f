// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides filesystem helpers shared by the router's stores.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables resolving the state directory.
const (
	EnvStateDir = "KILOROUTER_STATE_DIR"
	EnvReadOnly = "KILOROUTER_READONLY"
)

// DefaultStateDir is used when EnvStateDir is unset.
const DefaultStateDir = "~/.kilorouter"

// State layout below the root.
const (
	intelligenceDir = "intelligence"
	decisionsDir    = "decisions"
	archiveDir      = "decisions/archive"
	logsDir         = "logs"
)

// StateBox resolves every path the router writes to: the pattern store, the
// warm decision database, the cold archive and the logs. It is immutable
// after construction.
type StateBox struct {
	root     string
	readOnly bool
}

// NewStateBox reads KILOROUTER_STATE_DIR and KILOROUTER_READONLY.
func NewStateBox() (*StateBox, error) {
	dir := os.Getenv(EnvStateDir)
	if dir == "" {
		dir = DefaultStateDir
	}
	return NewStateBoxAt(dir, os.Getenv(EnvReadOnly) == "1")
}

// NewStateBoxAt creates a StateBox rooted at dir.
func NewStateBoxAt(dir string, readOnly bool) (*StateBox, error) {
	root, err := ExpandPath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}
	return &StateBox{root: root, readOnly: readOnly}, nil
}

// RootPath returns the resolved root directory.
func (sb *StateBox) RootPath() string { return sb.root }

// IsReadOnly reports whether writes are disabled.
func (sb *StateBox) IsReadOnly() bool { return sb.readOnly }

func (sb *StateBox) join(parts ...string) string {
	return filepath.Join(append([]string{sb.root}, parts...)...)
}

// PatternStorePath is the JSON file backing the pattern store.
func (sb *StateBox) PatternStorePath() string { return sb.join(intelligenceDir, "patterns.json") }

// EffectivenessPath is the JSON file of rolling handler effectiveness.
func (sb *StateBox) EffectivenessPath() string {
	return sb.join(intelligenceDir, "effectiveness.json")
}

// DecisionDBPath is the SQLite database of the warm decision tier.
func (sb *StateBox) DecisionDBPath() string { return sb.join(decisionsDir, "warm.db") }

// DecisionLogPath is the rotating append-only decision log.
func (sb *StateBox) DecisionLogPath() string { return sb.join(decisionsDir, "decisions.jsonl") }

// ArchiveDir holds the compressed cold decision segments.
func (sb *StateBox) ArchiveDir() string { return sb.join(filepath.FromSlash(archiveDir)) }

// LogsDir holds the rotating application log.
func (sb *StateBox) LogsDir() string { return sb.join(logsDir) }

// ResolvePath joins a relative path with the root. Absolute and tilde paths
// are returned expanded and cleaned.
func (sb *StateBox) ResolvePath(p string) string {
	switch {
	case p == "":
		return sb.root
	case strings.HasPrefix(p, "~"), filepath.IsAbs(p):
		if expanded, err := ExpandPath(p); err == nil {
			return expanded
		}
		return filepath.Clean(p)
	default:
		return sb.join(p)
	}
}

// Prepare creates the state layout with owner-only permissions. It does
// nothing in read-only mode, where stores run without disk state.
func (sb *StateBox) Prepare() error {
	if sb.readOnly {
		return nil
	}
	for _, dir := range []string{intelligenceDir, decisionsDir, archiveDir, logsDir} {
		if err := sb.EnsureDir(sb.join(filepath.FromSlash(dir))); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDir creates path with 0700 permissions if it does not exist.
func (sb *StateBox) EnsureDir(path string) error {
	if sb.readOnly {
		return ErrReadOnlyMode
	}
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("path exists but is not a directory: %s", path)
	case err == nil:
		return nil
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ExpandPath expands a leading tilde and cleans the path.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
