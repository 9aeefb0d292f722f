// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traylinx/kilorouter/internal/intelligence/skills"
)

// SourceFetcher loads prefetch targets: handler ids resolve to the body of
// their manifest, anything else to a file under Root.
type SourceFetcher struct {
	Root     string
	Registry *skills.Registry
}

// Fetch implements prefetch.Fetcher.
func (f *SourceFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Registry != nil {
		if s, err := f.Registry.GetSkill(ref); err == nil {
			return []byte(s.Body), nil
		}
	}
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// resolve maps ref to a path and refuses anything outside Root.
func (f *SourceFetcher) resolve(ref string) (string, error) {
	if f.Root == "" {
		return "", fmt.Errorf("no resource root configured for %s", ref)
	}
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", err
	}
	path := filepath.Clean(filepath.Join(root, ref))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("resource %s escapes %s", ref, root)
	}
	return path, nil
}
