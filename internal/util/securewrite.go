// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrReadOnlyMode is returned when a write is attempted in read-only mode.
var ErrReadOnlyMode = errors.New("read-only environment: write operations disabled")

const defaultFileMode os.FileMode = 0o600

// SecureWrite replaces path with data through a synced temp file in the same
// directory, so readers see either the previous snapshot or the new one.
// A zero perm means 0600.
func SecureWrite(sb *StateBox, path string, data []byte, perm os.FileMode) error {
	if sb != nil && sb.IsReadOnly() {
		return ErrReadOnlyMode
	}
	if perm == 0 {
		perm = defaultFileMode
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := path + ".tmp." + uuid.NewString()
	if err := writeSynced(tmp, data, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	syncDir(dir)
	return nil
}

// writeSynced creates name exclusively, writes data and fsyncs it.
func writeSynced(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("failed to write temp file: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to close temp file: %w", cerr)
	}
	return nil
}

// syncDir persists a rename. Errors are ignored; not every platform supports it.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}

// SecureWriteJSON writes v as indented JSON with a trailing newline.
func SecureWriteJSON(sb *StateBox, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return SecureWrite(sb, path, append(data, '\n'), defaultFileMode)
}
