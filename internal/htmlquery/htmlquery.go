// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package htmlquery compiles the selector rules of listing and search configs and runs
// them over goquery documents.
package htmlquery

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// Parse parses an HTML document.
func Parse(r io.Reader) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Selector is a compiled CSS selector group. goquery silently matches nothing on a bad
// selector, so configs are compiled up front to surface the error.
type Selector struct {
	raw string
	m   cascadia.Selector
}

func (s *Selector) String() string { return s.raw }

// Compile parses sel.
func Compile(sel string) (*Selector, error) {
	raw := strings.TrimSpace(sel)
	if raw == "" {
		return nil, errors.New("empty selector")
	}
	m, err := cascadia.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", sel, err)
	}
	return &Selector{raw: raw, m: m}, nil
}

// MustCompile is Compile for selectors known at build time.
func MustCompile(sel string) *Selector {
	s, err := Compile(sel)
	if err != nil {
		panic(err)
	}
	return s
}

// All returns the descendants of ctx matching s, in document order.
func (s *Selector) All(ctx *goquery.Selection) *goquery.Selection {
	return ctx.FindMatcher(s.m)
}

// First returns the first descendant of ctx matching s. The selection is empty when
// nothing matches.
func (s *Selector) First(ctx *goquery.Selection) *goquery.Selection {
	return ctx.FindMatcher(s.m).First()
}

// Match reports whether any node of sel matches s.
func (s *Selector) Match(sel *goquery.Selection) bool {
	return sel.IsMatcher(s.m)
}

// Attr returns the trimmed value of key on the first node of sel, or "".
func Attr(sel *goquery.Selection, key string) string {
	if sel == nil {
		return ""
	}
	return strings.TrimSpace(sel.AttrOr(key, ""))
}

// Text returns the whitespace-collapsed text of sel, skipping script and style.
func Text(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	c := sel.Clone()
	c.Find("script, style").Remove()
	return strings.Join(strings.Fields(c.Text()), " ")
}

// Field is a compiled "selector@attr" extraction rule. An empty selector addresses the
// context node itself; an empty attr extracts text.
type Field struct {
	sel  *Selector
	attr string
}

// CompileField parses "selector", "selector@attr" or "@attr".
func CompileField(spec string) (*Field, error) {
	spec = strings.TrimSpace(spec)
	f := &Field{}
	if at := strings.LastIndexByte(spec, '@'); at >= 0 {
		f.attr = strings.TrimSpace(spec[at+1:])
		spec = strings.TrimSpace(spec[:at])
		if f.attr == "" {
			return nil, fmt.Errorf("field %q: empty attribute", spec)
		}
	}
	if spec != "" {
		sel, err := Compile(spec)
		if err != nil {
			return nil, err
		}
		f.sel = sel
	}
	return f, nil
}

// Node returns the node the field addresses under ctx.
func (f *Field) Node(ctx *goquery.Selection) *goquery.Selection {
	if f.sel == nil {
		return ctx.First()
	}
	return f.sel.First(ctx)
}

func (f *Field) extract(sel *goquery.Selection) string {
	if f.attr != "" {
		return Attr(sel, f.attr)
	}
	return Text(sel)
}

// Value extracts the field's value under ctx.
func (f *Field) Value(ctx *goquery.Selection) string {
	n := f.Node(ctx)
	if n.Length() == 0 {
		return ""
	}
	return f.extract(n)
}

// Values extracts the field from every matching node under ctx.
func (f *Field) Values(ctx *goquery.Selection) []string {
	nodes := ctx
	if f.sel != nil {
		nodes = f.sel.All(ctx)
	}
	out := make([]string, 0, nodes.Length())
	nodes.Each(func(_ int, n *goquery.Selection) {
		if v := f.extract(n); v != "" {
			out = append(out, v)
		}
	})
	return out
}
