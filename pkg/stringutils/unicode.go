// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stringutils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var (
	widthNormalizer    = NewNormalizer(defaultNormalizerTTL, foldWidthInner)
	unicodeNormalizer  = NewNormalizer(defaultNormalizerTTL, normalizeUnicodeInner)
	matchingNormalizer = NewNormalizer(defaultNormalizerTTL, normalized)

	// release names use dots and underscores as word separators; captions use brackets
	separatorReplacer = strings.NewReplacer(
		".", " ", "_", " ", "-", " ", "/", " ",
		"[", " ", "]", " ", "(", " ", ")", " ",
		"【", " ", "】", " ", "「", " ", "」", " ",
		"&", " and ",
	)
	punctuationReplacer = strings.NewReplacer(
		"'", "", "’", "", "‘", "", "`", "", ":", "", ",", "", "!", "", "?", "",
	)
)

func foldWidthInner(s string) string {
	// transform.Chain is not safe for concurrent use, build one per call
	t := transform.Chain(width.Fold, norm.NFKC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func normalizeUnicodeInner(s string) string {
	// letters NFKD leaves alone
	s = strings.NewReplacer(
		"æ", "ae", "Æ", "AE", "œ", "oe", "Œ", "OE", "ø", "o", "Ø", "O", "ß", "ss",
	).Replace(s)

	t := transform.Chain(width.Fold, norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

func normalized(s string) string {
	s = unicodeNormalizer.Normalize(s)
	s = strings.ToLower(s)
	s = punctuationReplacer.Replace(s)
	s = separatorReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// FoldWidth maps full-width and compatibility characters to their narrow forms, so
// "ＦＣ２－ＰＰＶ－１２３４５６" reads "FC2-PPV-123456". Case and diacritics are kept.
func FoldWidth(s string) string {
	return widthNormalizer.Normalize(s)
}

// NormalizeUnicode folds width and removes diacritics:
//   - "Amélie" → "Amelie"
//   - "ＡＢＣ" → "ABC"
//   - "ﬁ" → "fi"
func NormalizeUnicode(s string) string {
	return unicodeNormalizer.Normalize(s)
}

// NormalizeForMatching reduces a title or caption to lowercase words:
//   - "ABC-123 [1080p]" → "abc 123 1080p"
//   - "Some.Movie.2019" → "some movie 2019"
//   - "Bob's Café: Part 2" → "bobs cafe part 2"
//   - "【ＦＣ２】Title" → "fc2 title"
func NormalizeForMatching(s string) string {
	return matchingNormalizer.Normalize(s)
}
