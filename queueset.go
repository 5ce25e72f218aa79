// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mqtun

import (
	"io"
	"slices"
	"sync"
)

// QueueSet is an ordered collection of owned queues. The position of a queue
// in the set is its index.
//
// Lookups may happen concurrently. Drain and Close must not race with I/O on
// the queues being removed, unless the queue's Close tolerates it as
// AsyncQueue implementations do.
type QueueSet[Q io.Closer] struct {
	mu     sync.RWMutex
	queues []Q
}

// NewQueueSet takes ownership of the given queues.
func NewQueueSet[Q io.Closer](queues ...Q) *QueueSet[Q] {
	return &QueueSet[Q]{queues: queues}
}

// Len returns the number of queues still owned by the set.
func (s *QueueSet[Q]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.queues)
}

// Get returns the queue at index i.
func (s *QueueSet[Q]) Get(i int) (Q, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.queues) {
		var zero Q
		return zero, &InvalidQueueError{Index: i}
	}

	return s.queues[i], nil
}

// Queues returns a snapshot of the queues owned by the set. Ownership is not
// transferred.
func (s *QueueSet[Q]) Queues() []Q {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.queues)
}

// Drain removes the queues in [start, end) from the set and hands their
// ownership to the caller. The remaining queues are re-indexed from zero.
func (s *QueueSet[Q]) Drain(start, end int) ([]Q, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start < 0 || start > len(s.queues) {
		return nil, &InvalidQueueError{Index: start}
	}
	if end < start || end > len(s.queues) {
		return nil, &InvalidQueueError{Index: end}
	}

	drained := slices.Clone(s.queues[start:end])
	s.queues = slices.Delete(s.queues, start, end)

	return drained, nil
}

// Close drains and closes every queue still owned by the set, in index
// order. It keeps going after a failure and returns the first error.
func (s *QueueSet[Q]) Close() error {
	s.mu.Lock()
	queues := s.queues
	s.queues = nil
	s.mu.Unlock()

	return closeAll(queues)
}

func closeAll[Q io.Closer](queues []Q) error {
	var closeErr error
	for _, q := range queues {
		if err := q.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}
