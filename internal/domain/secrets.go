// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "slices"

// RedactedStr replaces secret values in logs and printed configuration.
const RedactedStr = "<redacted>"

// RedactString returns RedactedStr for any non-empty value
func RedactString(s string) string {
	if len(s) == 0 {
		return ""
	}

	return RedactedStr
}

// Redacted returns a copy of c with credentials replaced, safe to log or print.
func (c *Config) Redacted() Config {
	out := *c
	out.APIKey = RedactString(c.APIKey)
	out.MetricsBasicAuthUsers = RedactString(c.MetricsBasicAuthUsers)

	// control URLs may carry tokens
	out.Providers = slices.Clone(c.Providers)
	for i := range out.Providers {
		out.Providers[i].BrowserControlURL = RedactString(out.Providers[i].BrowserControlURL)
	}
	return out
}
