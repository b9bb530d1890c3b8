// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package writer

import (
	"github.com/autobrr/coverscout/internal/models"
)

// Message is one unit of work for the writer. Messages are applied strictly in arrival
// order, each committed before the next begins.
type Message interface {
	kind() string
}

// Record is a record tagged with the producer's intent.
type Record struct {
	Mode models.WriteMode
	Data models.TorrentInput
}

// Insert tags a record the producer has never seen.
func Insert(data models.TorrentInput) Record {
	return Record{Mode: models.WriteInsert, Data: data}
}

// Update tags a re-observed record.
func Update(data models.TorrentInput) Record {
	return Record{Mode: models.WriteUpdate, Data: data}
}

// Upsert tags a record of unknown status.
func Upsert(data models.TorrentInput) Record {
	return Record{Mode: models.WriteUpsert, Data: data}
}

type AddResult struct {
	ID      int64
	Outcome models.AddOutcome
	Err     error
}

// AddRecord inserts or merges one record. Reply, when set, must be buffered.
type AddRecord struct {
	Record
	Reply chan<- AddResult
}

func (AddRecord) kind() string { return "add_record" }

// BatchStats aggregates one BatchAdd. Added+Updated+Duplicate+Failed equals the batch size
// unless Err is set, in which case nothing from the batch was committed.
type BatchStats struct {
	Tag       string
	Added     int
	Updated   int
	Duplicate int
	Failed    int
	Err       error
}

func (s BatchStats) Total() int {
	return s.Added + s.Updated + s.Duplicate + s.Failed
}

func (s *BatchStats) count(o models.AddOutcome) {
	switch o {
	case models.OutcomeAdded:
		s.Added++
	case models.OutcomeUpdated:
		s.Updated++
	case models.OutcomeDuplicate:
		s.Duplicate++
	}
}

// BatchAdd applies every record in one writer turn. A failing record is rolled back alone.
type BatchAdd struct {
	// Tag identifies the producer in BatchCompleted events.
	Tag     string
	Records []Record
	Reply   chan<- BatchStats
}

func (BatchAdd) kind() string { return "batch_add" }

type ThumbnailReply struct {
	Result models.ThumbnailResult
	Err    error
}

// SetThumbnail sets a thumbnail and extends the tried set.
type SetThumbnail struct {
	Update models.ThumbnailUpdate
	Reply  chan<- ThumbnailReply
}

func (SetThumbnail) kind() string { return "set_thumbnail" }

// Sync is a barrier: Done is closed once every message queued before it is committed.
type Sync struct {
	Done chan struct{}
}

func (Sync) kind() string { return "sync" }

type shutdown struct{}

func (shutdown) kind() string { return "shutdown" }
