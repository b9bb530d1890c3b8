// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"net/url"
	"path"
	"slices"
	"strings"
)

// placeholderNames are file or directory names, without extension, that image hosts
// serve in place of a real cover.
var placeholderNames = map[string]struct{}{
	"noimage":       {},
	"no_image":      {},
	"no-image":      {},
	"nowprinting":   {},
	"now_printing":  {},
	"placeholder":   {},
	"spacer":        {},
	"blank":         {},
	"pixel":         {},
	"1x1":           {},
	"default_cover": {},
	"removed":       {},
}

// isPlaceholder reports whether any whole segment of p names a placeholder.
func isPlaceholder(p string) bool {
	for seg := range strings.SplitSeq(strings.Trim(p, "/"), "/") {
		stem := strings.TrimSuffix(seg, path.Ext(seg))
		if _, ok := placeholderNames[stem]; ok {
			return true
		}
	}
	return false
}

// BlockReason explains why a candidate URL was rejected, or is empty when it is acceptable.
func BlockReason(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "unparseable"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "scheme"
	}

	p := strings.ToLower(u.Path)
	base := path.Base(p)
	switch {
	case strings.HasPrefix(base, "favicon"):
		return "favicon"
	case strings.HasSuffix(p, ".ico"):
		return "icon"
	case strings.HasPrefix(base, "loading."):
		return "loading"
	case isPlaceholder(p):
		return "placeholder"
	}
	return ""
}

// IsBlocklisted reports whether raw matches the candidate blocklist.
func IsBlocklisted(raw string) bool {
	return BlockReason(raw) != ""
}

// Host returns the lower-cased host of raw without port, or "".
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// HostExcluded reports whether raw's host is hosts or a subdomain of one of them.
func HostExcluded(raw string, hosts []string) bool {
	h := Host(raw)
	if h == "" {
		return false
	}
	return slices.ContainsFunc(hosts, func(ex string) bool {
		ex = strings.ToLower(strings.TrimSpace(ex))
		return ex != "" && (h == ex || strings.HasSuffix(h, "."+ex))
	})
}

// FilterCandidates drops blocklisted URLs, excluded hosts and duplicates, keeping order.
func FilterCandidates(urls []string, exclude []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" || IsBlocklisted(raw) || HostExcluded(raw, exclude) {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out
}

// PickCandidate returns the first URL that passes the blocklist and the excluded hosts,
// plus the hosts of the candidates the blocklist rejected.
func PickCandidate(urls, exclude []string) (string, []string) {
	var rejected []string
	for _, u := range urls {
		if IsBlocklisted(u) {
			if h := Host(u); h != "" && !slices.Contains(rejected, h) {
				rejected = append(rejected, h)
			}
			continue
		}
		if HostExcluded(u, exclude) {
			continue
		}
		return strings.TrimSpace(u), rejected
	}
	return "", rejected
}
