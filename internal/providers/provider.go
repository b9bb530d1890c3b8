// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package providers adapts external image sources to one search contract.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// Status is the outcome class of one search.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusBlocked
	StatusTransient
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBlocked:
		return "blocked"
	case StatusTransient:
		return "transient"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrBlocked means the provider is rejecting us and should not be called again this run.
	ErrBlocked = errors.New("provider blocked")
	// ErrNotFound means the provider answered but has nothing for the title.
	ErrNotFound = errors.New("not found")
	// ErrImageRefused means an image host refused a candidate. It says nothing about the provider.
	ErrImageRefused = errors.New("image refused")
)

// Query is one search request.
type Query struct {
	Title string
	Codes []Code
	// ExcludeHosts are hosts whose candidates must not be returned.
	ExcludeHosts []string
}

// NewQuery builds a query for title, extracting its codes.
func NewQuery(title string, exclude ...string) Query {
	return Query{Title: title, Codes: ExtractCodes(title), ExcludeHosts: exclude}
}

// Result is the outcome of one search. URLs is non-empty only for StatusOK and is already
// filtered against the candidate blocklist and the query's excluded hosts.
type Result struct {
	URLs   []string
	Status Status
	Err    error
}

func OK(urls []string) Result { return Result{URLs: urls, Status: StatusOK} }

func NotFound() Result { return Result{Status: StatusNotFound} }

func Blocked(err error) Result { return Result{Status: StatusBlocked, Err: err} }

func Transient(err error) Result { return Result{Status: StatusTransient, Err: err} }

// FromError classifies a transport error into a result.
func FromError(err error) Result {
	switch {
	case err == nil:
		return NotFound()
	case errors.Is(err, ErrBlocked):
		return Blocked(err)
	case errors.Is(err, ErrNotFound):
		return NotFound()
	default:
		return Transient(err)
	}
}

// Provider is one external image source. The pool makes at most one call at a time per
// provider, so implementations need not be safe for concurrent Search calls.
type Provider interface {
	Tag() string
	// Family restricts the provider to titles with a code of that family; "" admits all.
	Family() string
	Search(ctx context.Context, q Query) Result
	// Close releases transports and browser sessions.
	Close() error
}

// Eligible returns the providers whose family admits codes, in order.
func Eligible(all []Provider, codes []Code) []Provider {
	out := make([]Provider, 0, len(all))
	for _, p := range all {
		if Admits(p.Family(), codes) {
			out = append(out, p)
		}
	}
	return out
}
