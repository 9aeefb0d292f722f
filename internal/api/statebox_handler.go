// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/kilorouter/internal/util"
)

// Permission states reported by the state-box endpoint.
const (
	permOK      = "ok"
	permWarning = "warning"
	permError   = "error"
)

// StateBoxStatus reports the router's persistent state.
type StateBoxStatus struct {
	RootPath         string                 `json:"root_path"`
	ReadOnly         bool                   `json:"read_only"`
	Files            map[string]*FileStatus `json:"files"`
	PermissionStatus string                 `json:"permission_status"`
	Warnings         []string               `json:"warnings"`
	Errors           []string               `json:"errors"`
}

// FileStatus describes one state file or directory.
type FileStatus struct {
	Path    string    `json:"path"`
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode,omitempty"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

func statFile(path string) *FileStatus {
	fs := &FileStatus{Path: path}
	if info, err := os.Stat(path); err == nil {
		fs.Exists = true
		fs.Size = info.Size()
		fs.Mode = info.Mode().String()
		fs.ModTime = info.ModTime()
	}
	return fs
}

func (s *StateBoxStatus) warn(format string, args ...interface{}) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
	if s.PermissionStatus == permOK {
		s.PermissionStatus = permWarning
	}
}

func (s *StateBoxStatus) fail(format string, args ...interface{}) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
	s.PermissionStatus = permError
}

// StateBoxStatusHandler returns a handler for GET /v0/state-box/status. It
// lists the decision and learning stores and reports every state path that
// is more open than the router requires.
func StateBoxStatusHandler(sb *util.StateBox) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sb == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "State Box not initialized"})
			return
		}

		status := &StateBoxStatus{
			RootPath:         sb.RootPath(),
			ReadOnly:         sb.IsReadOnly(),
			PermissionStatus: permOK,
			Files: map[string]*FileStatus{
				"decision_database": statFile(sb.DecisionDBPath()),
				"decision_log":      statFile(sb.DecisionLogPath()),
				"decision_archive":  statFile(sb.ArchiveDir()),
				"pattern_store":     statFile(sb.PatternStorePath()),
				"effectiveness":     statFile(sb.EffectivenessPath()),
			},
			Warnings: []string{},
			Errors:   []string{},
		}

		if _, err := os.Stat(sb.RootPath()); os.IsNotExist(err) {
			status.warn("state directory %s does not exist", sb.RootPath())
			c.JSON(http.StatusOK, status)
			return
		}

		results, err := util.AuditPermissions(sb)
		if err != nil {
			status.fail("permission audit failed: %v", err)
		}
		for _, r := range results {
			switch {
			case r.Error != nil:
				status.fail("cannot inspect %s", r.Path)
			case r.NeedsCorrection():
				status.warn("%s has mode %04o, expected %04o", r.Path, r.CurrentMode, r.RequiredMode)
			}
		}
		c.JSON(http.StatusOK, status)
	}
}
