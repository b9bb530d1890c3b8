// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/coverscout/internal/events"
)

// forceWait bounds how long the scheduler waits for workers after cancelling them.
const forceWait = 2 * time.Second

type workerSlot struct {
	w       *worker
	current *job
	exited  bool
}

// scheduler owns every queue and per-record state of one run. Workers never touch this
// state: they receive assignments and report results over channels.
type scheduler struct {
	svc    *Service
	run    *run
	log    zerolog.Logger
	cancel context.CancelFunc

	order    []string
	slots    map[string]*workerSlot
	results  chan jobResult
	stopping atomic.Bool

	jobs     map[int64]*job
	priority *queue
	main     *queue
	rehome   map[string]*queue

	cursor       int64
	backlogDone  bool
	lastPriority []int64
	lastForce    bool

	total       int
	updated     int
	exhausted   int
	skipped     int
	lastPercent int
}

func newScheduler(svc *Service, r *run, total int) *scheduler {
	s := &scheduler{
		svc:         svc,
		run:         r,
		log:         svc.log,
		slots:       make(map[string]*workerSlot),
		results:     make(chan jobResult, len(svc.providers)),
		jobs:        make(map[int64]*job),
		priority:    newQueue("priority"),
		main:        newQueue("main"),
		rehome:      make(map[string]*queue),
		total:       total,
		lastPercent: -1,
	}
	for _, p := range svc.providers {
		s.order = append(s.order, p.Tag())
		s.rehome[p.Tag()] = newQueue("rehome:" + p.Tag())
	}
	return s
}

func (s *scheduler) startWorkers(ctx context.Context) {
	for _, p := range s.svc.providers {
		tag := p.Tag()
		if s.svc.circuits.blocked(tag) {
			s.log.Debug().Str("provider", tag).Msg("provider blocked, no worker started")
			continue
		}
		w := &worker{
			provider: p,
			store:    s.svc.store,
			writer:   s.svc.writer,
			timeout:  s.svc.cfg.SearchTimeout,
			stopping: &s.run.stopping,
			log:      s.log.With().Str("provider", tag).Logger(),
			assign:   make(chan assignment, 1),
		}
		s.slots[tag] = &workerSlot{w: w}
		go w.loop(ctx, s.results)
	}
}

func (s *scheduler) loop(ctx context.Context) Summary {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.startWorkers(ctx)
	defer s.releaseWorkers()

	stopCh := s.run.stop
	done := ctx.Done()
	var graceC, forceC <-chan time.Time

	s.dispatch(ctx)
	s.snapshot()
	for !s.finished() {
		select {
		case res := <-s.results:
			s.complete(res)
		case upd := <-s.run.updates:
			upd.reply <- s.reprioritize(upd)
		case <-stopCh:
			stopCh = nil
			s.beginStop()
			graceC = time.After(s.svc.cfg.GracePeriod)
		case <-done:
			done = nil
			s.beginStop()
			if graceC == nil {
				graceC = time.After(s.svc.cfg.GracePeriod)
			}
		case <-graceC:
			graceC = nil
			s.log.Warn().Int("inFlight", s.inFlight()).Msg("grace period elapsed, cancelling searches")
			s.cancel()
			forceC = time.After(forceWait)
		case <-forceC:
			s.log.Error().Int("inFlight", s.inFlight()).Msg("workers did not stop, abandoning them")
			s.failForced()
			return s.summary()
		}
		s.dispatch(ctx)
		s.snapshot()
	}
	s.failForced()
	return s.summary()
}

// failForced ends every forced job the run leaves unfinished with ThumbnailReplaceFailed,
// so each replace request resolves exactly once.
func (s *scheduler) failForced() {
	ids := make([]int64, 0, len(s.jobs))
	for id, j := range s.jobs {
		switch {
		case j.state == jobQueued && j.force:
		case j.state == jobInFlight && (j.force || j.pendingForce):
		default:
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		j := s.jobs[id]
		if j.where != nil {
			j.where.remove(j)
		}
		j.state = jobExhausted
		j.pendingForce = false
		s.svc.publish(events.ThumbnailReplaceFailed, events.ReplaceFailedPayload{ID: id, Reason: "enrichment stopped before a replacement was found"})
	}
}

func (s *scheduler) summary() Summary {
	return Summary{
		Updated:   s.updated,
		Exhausted: s.exhausted,
		Skipped:   s.skipped,
		Stopped:   s.stopping.Load(),
	}
}

func (s *scheduler) beginStop() {
	if s.stopping.Swap(true) {
		return
	}
	s.run.stopping.Store(true)
	s.log.Info().Int("inFlight", s.inFlight()).Msg("enrichment stopping")
	for _, tag := range s.order {
		if slot := s.slots[tag]; slot != nil && slot.current == nil {
			s.exitWorker(tag)
		}
	}
}

func (s *scheduler) exitWorker(tag string) {
	slot := s.slots[tag]
	if slot == nil || slot.exited {
		return
	}
	slot.exited = true
	close(slot.w.assign)
}

func (s *scheduler) releaseWorkers() {
	for _, tag := range s.order {
		s.exitWorker(tag)
	}
}

func (s *scheduler) inFlight() int {
	n := 0
	for _, slot := range s.slots {
		if slot.current != nil {
			n++
		}
	}
	return n
}

func (s *scheduler) liveWorkers() int {
	n := 0
	for _, slot := range s.slots {
		if !slot.exited {
			n++
		}
	}
	return n
}

func (s *scheduler) queued() int {
	n := s.priority.len() + s.main.len()
	for _, q := range s.rehome {
		n += q.len()
	}
	return n
}

func (s *scheduler) finished() bool {
	if s.inFlight() > 0 {
		return false
	}
	if s.stopping.Load() || s.liveWorkers() == 0 {
		return true
	}
	return s.queued() == 0 && s.backlogDone
}

// runnable returns the providers that may still search j, in config order.
func (s *scheduler) runnable(j *job) []string {
	var out []string
	for _, tag := range j.eligible {
		if j.hasTried(tag) {
			continue
		}
		slot := s.slots[tag]
		if slot == nil || slot.exited || s.svc.circuits.blocked(tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

func (s *scheduler) canRun(j *job, tag string) bool {
	return slices.Contains(j.eligible, tag) && !j.hasTried(tag)
}

func (s *scheduler) dispatch(ctx context.Context) {
	if s.stopping.Load() {
		return
	}
	for _, tag := range s.order {
		slot := s.slots[tag]
		if slot == nil || slot.exited || slot.current != nil {
			continue
		}
		j := s.next(ctx, tag)
		if j == nil {
			continue
		}
		j.state = jobInFlight
		j.provider = tag
		slot.current = j
		slot.w.assign <- assignment{
			id:      j.id,
			title:   j.title,
			codes:   j.codes,
			exclude: slices.Clone(j.exclude),
			force:   j.force,
		}
	}
}

// next picks tag's next job: its rehome queue, then the priority queue, then the main
// backlog, loading more of the backlog when the main queue runs low.
func (s *scheduler) next(ctx context.Context, tag string) *job {
	if j := s.rehome[tag].take(nil); j != nil {
		return j
	}
	can := func(j *job) bool { return s.canRun(j, tag) }
	if j := s.priority.take(can); j != nil {
		return j
	}
	for {
		if j := s.main.take(can); j != nil {
			return j
		}
		if s.backlogDone || s.main.len() >= s.svc.cfg.BacklogBatchSize {
			return nil
		}
		if !s.loadBacklog(ctx) {
			return nil
		}
	}
}

// loadBacklog appends the next keyset page of the backlog to the main queue. It reports
// whether anything was read.
func (s *scheduler) loadBacklog(ctx context.Context) bool {
	recs, err := s.svc.store.ListBacklog(ctx, s.cursor, s.svc.cfg.BacklogBatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("failed to load thumbnail backlog")
		}
		s.backlogDone = true
		return false
	}
	if len(recs) < s.svc.cfg.BacklogBatchSize {
		s.backlogDone = true
	}
	if len(recs) == 0 {
		return false
	}
	s.cursor = recs[len(recs)-1].ID

	for _, rec := range recs {
		if _, seen := s.jobs[rec.ID]; seen {
			continue
		}
		j := newJob(rec, s.svc.providers, false)
		s.jobs[j.id] = j
		if len(s.runnable(j)) == 0 {
			s.exhaust(j)
			continue
		}
		s.main.push(j)
	}
	return true
}

func (s *scheduler) complete(res jobResult) {
	slot := s.slots[res.provider]
	j := slot.current
	slot.current = nil
	if j == nil || j.id != res.id {
		s.log.Error().Str("provider", res.provider).Int64("torrentID", res.id).Msg("result for unknown assignment")
		return
	}
	j.provider = ""
	pendingForce := j.pendingForce
	j.pendingForce = false

	logger := s.log.With().Str("provider", res.provider).Int64("torrentID", j.id).Str("outcome", res.outcome.String()).Logger()

	switch res.outcome {
	case outcomeFound:
		s.svc.circuits.found(res.provider)
		j.tried[res.provider] = struct{}{}
		j.state = jobFound
		s.updated++
		logger.Debug().Str("url", res.url).Msg("thumbnail found")
		payload := events.ThumbnailPayload{ID: j.id, URL: res.url, Provider: res.provider}
		if j.force {
			s.svc.publish(events.ThumbnailReplaced, payload)
		} else {
			s.svc.publish(events.ThumbnailResolved, payload)
		}

	case outcomeNotFound, outcomeRejected, outcomeTransient:
		transient := res.outcome == outcomeTransient
		if transient {
			logger.Debug().Err(res.err).Msg("search failed")
		}
		j.tried[res.provider] = struct{}{}
		for _, h := range res.rejectedHosts {
			j.excludeHost(h)
		}
		if s.svc.circuits.miss(res.provider, transient) {
			s.block(res.provider, fmt.Sprintf("%d consecutive searches without a result", s.svc.cfg.BlockThreshold))
		}
		s.reroute(j)

	case outcomeBlocked:
		reason := "provider rejected requests"
		if res.err != nil {
			reason = res.err.Error()
		}
		s.block(res.provider, reason)
		s.reroute(j)

	case outcomeTried:
		j.tried[res.provider] = struct{}{}
		s.reroute(j)

	case outcomeFilled, outcomeGone:
		j.state = jobSkipped
		s.skipped++
		if j.force {
			s.svc.publish(events.ThumbnailReplaceFailed, events.ReplaceFailedPayload{ID: j.id, Reason: "record no longer exists"})
		}

	case outcomeAborted:
		// stopping: put it back so the queue state stays consistent
		s.priority.push(j)
	}

	if pendingForce {
		switch j.state {
		case jobQueued:
			j.force = true
		case jobFound, jobExhausted, jobSkipped:
			if s.forceAgain(j) {
				s.priority.pushFront(j)
			}
		}
	}

	if s.stopping.Load() {
		s.exitWorker(res.provider)
	}
	s.progress()
}

// reroute sends j to the runnable provider with the shortest rehome queue, or marks it
// exhausted when none is left.
func (s *scheduler) reroute(j *job) {
	candidates := s.runnable(j)
	if len(candidates) == 0 {
		s.exhaust(j)
		return
	}
	best := candidates[0]
	for _, tag := range candidates[1:] {
		if s.rehome[tag].len() < s.rehome[best].len() {
			best = tag
		}
	}
	s.rehome[best].push(j)
}

func (s *scheduler) exhaust(j *job) {
	j.state = jobExhausted
	s.exhausted++
	if j.force {
		s.svc.publish(events.ThumbnailReplaceFailed, events.ReplaceFailedPayload{ID: j.id, Reason: "no untried provider found a thumbnail"})
	}
}

// forceAgain readmits a finished job as a forced replace. It reports false when no
// provider is left to try, in which case the replace has already failed.
func (s *scheduler) forceAgain(j *job) bool {
	j.force = true
	s.total++
	if len(s.runnable(j)) == 0 {
		s.exhaust(j)
		return false
	}
	return true
}

// block opens tag's circuit, retires its worker and redistributes everything that can no
// longer reach it.
func (s *scheduler) block(tag, reason string) {
	if s.svc.circuits.block(tag, reason, time.Now()) {
		s.log.Warn().Str("provider", tag).Str("reason", reason).Msg("provider blocked")
		s.svc.publish(events.ProviderBlocked, events.ProviderBlockedPayload{Provider: tag, Reason: reason})
	}
	s.exitWorker(tag)

	for _, j := range s.rehome[tag].drain() {
		s.reroute(j)
	}
	for _, q := range []*queue{s.priority, s.main} {
		for _, j := range slices.Clone(q.items) {
			if len(s.runnable(j)) == 0 {
				q.remove(j)
				s.exhaust(j)
			}
		}
	}
}

// reprioritize rebuilds the priority queue with ids at its front and returns how many
// jobs it now holds.
func (s *scheduler) reprioritize(upd priorityUpdate) int {
	if !upd.force && !s.lastForce && slices.Equal(upd.ids, s.lastPriority) {
		return s.priority.len()
	}
	s.lastPriority = slices.Clone(upd.ids)
	s.lastForce = upd.force

	seen := make(map[int64]struct{}, len(upd.ids))
	front := make([]*job, 0, len(upd.ids))
	for _, id := range upd.ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		j, known := s.jobs[id]
		if !known {
			rec := upd.records[id]
			if rec == nil || (rec.HasThumbnail() && !upd.force) {
				continue
			}
			j = newJob(rec, s.svc.providers, upd.force)
			s.jobs[id] = j
			if upd.force && rec.HasThumbnail() {
				s.total++
			}
			if len(s.runnable(j)) == 0 {
				s.exhaust(j)
				continue
			}
			front = append(front, j)
			continue
		}

		switch j.state {
		case jobQueued:
			if j.where != nil {
				j.where.remove(j)
			}
			j.force = j.force || upd.force
			front = append(front, j)
		case jobFound, jobExhausted, jobSkipped:
			if upd.force && s.forceAgain(j) {
				front = append(front, j)
			}
		case jobInFlight:
			// requeued as forced once the running search reports back
			if upd.force && !j.force {
				j.pendingForce = true
			}
		}
	}

	rest := s.priority.drain()
	for _, j := range front {
		s.priority.push(j)
	}
	for _, j := range rest {
		s.priority.push(j)
	}
	s.progress()
	return s.priority.len()
}

func (s *scheduler) done() int {
	return s.updated + s.exhausted + s.skipped
}

func (s *scheduler) progress() {
	total := max(s.total, s.done())
	if total == 0 {
		return
	}
	percent := min(100, s.done()*100/total)
	if percent == s.lastPercent {
		return
	}
	s.lastPercent = percent
	s.svc.publish(events.EnrichmentProgress, events.EnrichmentProgressPayload{
		Percent: percent,
		Done:    s.done(),
		Total:   total,
		Message: fmt.Sprintf("%d of %d records processed, %d thumbnails found", s.done(), total, s.updated),
	})
}

func (s *scheduler) snapshot() {
	q := QueueStats{
		Running:  true,
		Priority: s.priority.len(),
		Main:     s.main.len(),
		Rehome:   make(map[string]int, len(s.rehome)),
		InFlight: s.inFlight(),
		Total:    max(s.total, s.done()),
		Done:     s.done(),
	}
	for tag, rq := range s.rehome {
		q.Rehome[tag] = rq.len()
	}
	s.svc.setQueues(q)
}

