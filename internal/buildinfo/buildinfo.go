// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo carries the version of the kilorouter binary. The
// variables are set from cmd/kilorouter, which receives them through ldflags.
package buildinfo

import "fmt"

var (
	// Version is the release tag or git describe output.
	Version = "dev"
	// Commit is the git commit SHA.
	Commit = "none"
	// BuildDate is the UTC build time.
	BuildDate = "unknown"
)

// String describes the build for `kilorouter version`.
func String() string {
	return fmt.Sprintf("kilorouter %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent identifies outbound requests made by component, e.g. hook webhooks.
func UserAgent(component string) string {
	return "kilorouter-" + component + "/" + Version
}
