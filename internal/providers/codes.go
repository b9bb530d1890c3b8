// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package providers

import (
	"regexp"
	"strings"

	"github.com/autobrr/coverscout/pkg/stringutils"
)

// Code families a provider can specialize in.
const (
	FamilyFC2    = "fc2"
	FamilyStudio = "studio"
)

// Code is a catalogue code found in a title, e.g. FC2-PPV-1234567 or ABC-123.
type Code struct {
	Family string
	Prefix string
	Number string
}

func (c Code) String() string {
	if c.Family == FamilyFC2 {
		return "FC2-PPV-" + c.Number
	}
	return c.Prefix + "-" + c.Number
}

var (
	fc2Pattern    = regexp.MustCompile(`(?i)\bFC2[\s_-]*(?:PPV[\s_-]*)?(\d{5,8})\b`)
	studioPattern = regexp.MustCompile(`(?i)\b([A-Z]{2,6})[_-]?(\d{2,5})\b`)
)

// prefixes that look like codes but are encodings, resolutions or containers
var notCodePrefixes = map[string]struct{}{
	"FC": {}, "FHD": {}, "UHD": {}, "HD": {}, "SD": {}, "H": {}, "X": {}, "MP": {}, "AAC": {},
	"HEVC": {}, "AVC": {}, "DTS": {}, "DDP": {}, "AC": {}, "WEB": {}, "DVD": {}, "BD": {},
	"PART": {}, "DISC": {}, "CD": {}, "VOL": {}, "EP": {}, "XVID": {}, "DIVX": {}, "YEAR": {},
}

// ExtractCodes returns the distinct codes in title, FC2 codes first.
func ExtractCodes(title string) []Code {
	folded := stringutils.FoldWidth(title)

	var (
		codes []Code
		seen  = make(map[string]struct{})
	)
	add := func(c Code) {
		key := c.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		codes = append(codes, c)
	}

	for _, m := range fc2Pattern.FindAllStringSubmatch(folded, -1) {
		add(Code{Family: FamilyFC2, Prefix: "FC2", Number: m[1]})
	}
	// blank out FC2 matches so "PPV-123456" is not read as a studio code
	rest := fc2Pattern.ReplaceAllString(folded, " ")

	for _, m := range studioPattern.FindAllStringSubmatch(rest, -1) {
		prefix := strings.ToUpper(m[1])
		if _, skip := notCodePrefixes[prefix]; skip {
			continue
		}
		add(Code{Family: FamilyStudio, Prefix: prefix, Number: m[2]})
	}
	return codes
}

// Families returns the set of families present in codes.
func Families(codes []Code) map[string]struct{} {
	out := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		out[c.Family] = struct{}{}
	}
	return out
}

// Admits reports whether a provider restricted to family may search a title with codes.
// An empty family admits everything.
func Admits(family string, codes []Code) bool {
	if family == "" {
		return true
	}
	for _, c := range codes {
		if strings.EqualFold(c.Family, family) {
			return true
		}
	}
	return false
}
