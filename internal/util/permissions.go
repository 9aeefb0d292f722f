// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	privateDirMode  os.FileMode = 0o700
	privateFileMode os.FileMode = 0o600
)

// sensitiveExts are the state files that hold decisions, ledgers or learned
// effectiveness and must stay private to the owner.
var sensitiveExts = []string{".db", ".db-wal", ".db-shm", ".json", ".jsonl", ".zst", ".log"}

// AuditResult is the permission state of one path under the state box.
type AuditResult struct {
	Path         string      `json:"path"`
	CurrentMode  os.FileMode `json:"current_mode"`
	RequiredMode os.FileMode `json:"required_mode"`
	WasCorrected bool        `json:"was_corrected"`
	Error        error       `json:"-"`
}

// NeedsCorrection reports whether the path is more open than required.
func (r AuditResult) NeedsCorrection() bool {
	return r.Error == nil && !r.WasCorrected && r.CurrentMode != r.RequiredMode
}

// AuditPermissions lists every directory and sensitive file of the state box
// with its current and required mode, without changing anything.
func AuditPermissions(sb *StateBox) ([]AuditResult, error) {
	return walkPermissions(sb, false)
}

// HardenPermissions sets directories to 0700 and sensitive files to 0600.
// Failures on single paths are logged and reported in the results. A
// read-only state box is audited only.
func HardenPermissions(sb *StateBox) ([]AuditResult, error) {
	if sb != nil && sb.IsReadOnly() {
		return walkPermissions(sb, false)
	}
	results, err := walkPermissions(sb, true)
	corrected, failed := 0, 0
	for _, r := range results {
		switch {
		case r.WasCorrected:
			corrected++
		case r.Error != nil:
			failed++
		}
	}
	if corrected > 0 {
		log.Infof("permission hardening: corrected %d state paths", corrected)
	}
	if failed > 0 {
		log.Warnf("permission hardening: %d state paths could not be checked or corrected", failed)
	}
	return results, err
}

func walkPermissions(sb *StateBox, fix bool) ([]AuditResult, error) {
	if sb == nil {
		return nil, fmt.Errorf("StateBox cannot be nil")
	}
	root := sb.RootPath()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var results []AuditResult
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("permission audit: failed to access %s: %v", path, err)
			results = append(results, AuditResult{Path: path, Error: err})
			return nil
		}
		var required os.FileMode
		switch {
		case info.IsDir():
			required = privateDirMode
		case isSensitiveFile(path):
			required = privateFileMode
		default:
			return nil
		}

		res := AuditResult{Path: path, CurrentMode: info.Mode().Perm(), RequiredMode: required}
		if fix && res.CurrentMode != required {
			if errChmod := os.Chmod(path, required); errChmod != nil {
				log.Warnf("permission hardening: chmod %s %04o: %v", path, required, errChmod)
				res.Error = errChmod
			} else {
				log.Debugf("permission hardening: %s %04o -> %04o", path, res.CurrentMode, required)
				res.WasCorrected = true
			}
		}
		results = append(results, res)
		return nil
	})
	if err != nil {
		return results, fmt.Errorf("failed to walk State Box directory: %w", err)
	}
	return results, nil
}

func isSensitiveFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range sensitiveExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
