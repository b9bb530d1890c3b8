// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package thumbnails

import (
	"slices"

	"github.com/autobrr/coverscout/internal/models"
	"github.com/autobrr/coverscout/internal/providers"
)

type jobState int

const (
	jobQueued jobState = iota
	jobInFlight
	jobFound
	jobExhausted
	jobSkipped
)

// job is the scheduler's view of one record. Only the scheduler goroutine touches it.
type job struct {
	id    int64
	title string
	codes []providers.Code
	// eligible lists the providers whose family admits the record, in config order.
	eligible []string
	tried    map[string]struct{}
	exclude  []string
	force    bool

	state    jobState
	where    *queue
	provider string

	// pendingForce marks a forced request that arrived while the job was in flight.
	pendingForce bool
}

func newJob(rec *models.Torrent, all []providers.Provider, force bool) *job {
	j := &job{
		id:    rec.ID,
		title: rec.Title,
		codes: providers.ExtractCodes(rec.Title),
		tried: make(map[string]struct{}, len(rec.SearchedProviders)),
		force: force,
	}
	for _, p := range providers.Eligible(all, j.codes) {
		j.eligible = append(j.eligible, p.Tag())
	}
	for _, p := range rec.SearchedProviders {
		j.tried[p] = struct{}{}
	}
	return j
}

func (j *job) hasTried(tag string) bool {
	_, ok := j.tried[tag]
	return ok
}

func (j *job) excludeHost(host string) {
	if host != "" && !slices.Contains(j.exclude, host) {
		j.exclude = append(j.exclude, host)
	}
}

// queue is a FIFO of jobs. A job sits in at most one queue at a time.
type queue struct {
	name  string
	items []*job
}

func newQueue(name string) *queue {
	return &queue{name: name}
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) push(j *job) {
	j.state = jobQueued
	j.where = q
	q.items = append(q.items, j)
}

func (q *queue) pushFront(j *job) {
	j.state = jobQueued
	j.where = q
	q.items = slices.Insert(q.items, 0, j)
}

func (q *queue) remove(j *job) bool {
	i := slices.Index(q.items, j)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	j.where = nil
	return true
}

// take removes and returns the first job accepted by ok, leaving the others in place.
func (q *queue) take(ok func(*job) bool) *job {
	for i, j := range q.items {
		if ok == nil || ok(j) {
			q.items = slices.Delete(q.items, i, i+1)
			j.where = nil
			return j
		}
	}
	return nil
}

// drain empties the queue and returns its jobs in order.
func (q *queue) drain() []*job {
	out := q.items
	q.items = nil
	for _, j := range out {
		j.where = nil
	}
	return out
}
