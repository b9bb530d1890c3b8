// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	// UserAgent identifies coverscout on its own API surface. Outbound scraping uses the
	// browser-like agent configured in domain.Config instead.
	UserAgent string
)

func init() {
	UserAgent = fmt.Sprintf("coverscout/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a human readable multi-line build summary.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\n", Version, Commit, Date)
}

// JSON returns the build information encoded as JSON.
func JSON() ([]byte, error) {
	return json.Marshal(struct {
		Version string `json:"version"`
		Commit  string `json:"commit"`
		Date    string `json:"date"`
	}{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	})
}
