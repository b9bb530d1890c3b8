// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package thumbnails

import (
	"sync"
	"time"
)

// CircuitState is a provider's health for the lifetime of the process.
type CircuitState string

const (
	CircuitOK      CircuitState = "ok"
	CircuitBlocked CircuitState = "blocked"
)

// CircuitStatus is a read-only view of one provider's circuit.
type CircuitStatus struct {
	Provider          string       `json:"provider"`
	Family            string       `json:"family,omitempty"`
	State             CircuitState `json:"state"`
	Reason            string       `json:"reason,omitempty"`
	BlockedAt         *time.Time   `json:"blocked_at,omitempty"`
	ConsecutiveNoFind int          `json:"consecutive_no_find"`
	Searches          int          `json:"searches"`
	Found             int          `json:"found"`
	Misses            int          `json:"misses"`
	Errors            int          `json:"errors"`
}

type circuit struct {
	status CircuitStatus
}

// circuitBoard holds every provider's circuit. Only the running scheduler (or the replace
// coordinator while no run is active) mutates it; readers take the read lock.
type circuitBoard struct {
	mu        sync.RWMutex
	order     []string
	circuits  map[string]*circuit
	threshold int
}

func newCircuitBoard(threshold int) *circuitBoard {
	return &circuitBoard{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
	}
}

func (b *circuitBoard) add(tag, family string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.circuits[tag]; ok {
		return
	}
	b.order = append(b.order, tag)
	b.circuits[tag] = &circuit{status: CircuitStatus{Provider: tag, Family: family, State: CircuitOK}}
}

func (b *circuitBoard) blocked(tag string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.circuits[tag]
	return ok && c.status.State == CircuitBlocked
}

// found records a find and resets the no-find streak.
func (b *circuitBoard) found(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[tag]; ok {
		c.status.Searches++
		c.status.Found++
		c.status.ConsecutiveNoFind = 0
	}
}

// miss records a no-find and reports whether the streak reached the block threshold.
func (b *circuitBoard) miss(tag string, transient bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[tag]
	if !ok {
		return false
	}
	c.status.Searches++
	if transient {
		c.status.Errors++
	} else {
		c.status.Misses++
	}
	c.status.ConsecutiveNoFind++
	return b.threshold > 0 && c.status.ConsecutiveNoFind >= b.threshold
}

// block opens the circuit. It reports false when the provider was already blocked.
func (b *circuitBoard) block(tag, reason string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[tag]
	if !ok || c.status.State == CircuitBlocked {
		return false
	}
	c.status.State = CircuitBlocked
	c.status.Reason = reason
	c.status.BlockedAt = &now
	return true
}

func (b *circuitBoard) reset(tag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[tag]
	if !ok {
		return false
	}
	c.status.State = CircuitOK
	c.status.Reason = ""
	c.status.BlockedAt = nil
	c.status.ConsecutiveNoFind = 0
	return true
}

func (b *circuitBoard) snapshot() []CircuitStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CircuitStatus, 0, len(b.order))
	for _, tag := range b.order {
		st := b.circuits[tag].status
		if st.BlockedAt != nil {
			at := *st.BlockedAt
			st.BlockedAt = &at
		}
		out = append(out, st)
	}
	return out
}
