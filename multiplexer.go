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
	"context"
	"os"
	"sync"
	"sync/atomic"
)

// Multiplexer services whichever of a fixed set of queues becomes ready
// first. At most one Recv and one Send are in flight at any time.
//
// Close may be called while a Recv or Send is waiting, the waiting operation
// then fails with os.ErrClosed.
type Multiplexer[Q AsyncQueue] struct {
	queues    *QueueSet[Q]
	closed    atomic.Bool
	readOpMu  sync.Mutex
	writeOpMu sync.Mutex
}

// NewMultiplexer takes ownership of the given queues.
func NewMultiplexer[Q AsyncQueue](queues ...Q) *Multiplexer[Q] {
	return &Multiplexer[Q]{queues: NewQueueSet(queues...)}
}

// Len returns the number of multiplexed queues.
func (m *Multiplexer[Q]) Len() int {
	return m.queues.Len()
}

// Recv reads one datagram from the first queue that becomes readable and
// returns the number of bytes read along with the index of that queue.
func (m *Multiplexer[Q]) Recv(ctx context.Context, datagram []byte) (int, int, error) {
	m.readOpMu.Lock()
	defer m.readOpMu.Unlock()

	queues, err := m.snapshot()
	if err != nil {
		return 0, -1, err
	}

	return RecvAny(ctx, queues, datagram)
}

// Send writes one datagram to the first queue that becomes writable and
// returns the number of bytes written along with the index of that queue.
func (m *Multiplexer[Q]) Send(ctx context.Context, datagram []byte) (int, int, error) {
	m.writeOpMu.Lock()
	defer m.writeOpMu.Unlock()

	queues, err := m.snapshot()
	if err != nil {
		return 0, -1, err
	}

	return SendAny(ctx, queues, datagram)
}

// Close closes every multiplexed queue, returning the first error. It does
// not wait for in-flight operations.
func (m *Multiplexer[Q]) Close() error {
	m.closed.Store(true)
	return m.queues.Close()
}

// snapshot returns the queues to race over. The closed flag is checked after
// taking the snapshot, so an empty snapshot left by Close is never raced.
func (m *Multiplexer[Q]) snapshot() ([]Q, error) {
	queues := m.queues.Queues()
	if m.closed.Load() {
		return nil, os.ErrClosed
	}
	return queues, nil
}

// RecvAny races the readability of all queues and reads one datagram from
// the winner. A stale readiness hint restarts the race.
func RecvAny[Q AsyncQueue](ctx context.Context, queues []Q, datagram []byte) (int, int, error) {
	return race(ctx, queues,
		func(ctx context.Context, q Q) error { return q.Readable(ctx) },
		func(q Q) (int, error) { return q.TryRecv(datagram) })
}

// SendAny races the writability of all queues and writes the datagram to the
// winner. A stale readiness hint restarts the race.
func SendAny[Q AsyncQueue](ctx context.Context, queues []Q, datagram []byte) (int, int, error) {
	return race(ctx, queues,
		func(ctx context.Context, q Q) error { return q.Writable(ctx) },
		func(q Q) (int, error) { return q.TrySend(datagram) })
}

func race[Q AsyncQueue](ctx context.Context, queues []Q, wait func(context.Context, Q) error, try func(Q) (int, error)) (int, int, error) {
	if len(queues) == 0 {
		return 0, -1, ErrNoQueues
	}

	for {
		idx, err := firstReady(ctx, queues, wait)
		if err != nil {
			return 0, idx, err
		}

		// Only the winner is attempted, the others have not been re-validated.
		n, err := try(queues[idx])
		if IsWouldBlock(err) {
			continue
		}

		return n, idx, err
	}
}

// firstReady returns the index of the first queue whose wait completes.
// The remaining waits are cancelled and joined before returning so that no
// wait outlives the race.
func firstReady[Q AsyncQueue](ctx context.Context, queues []Q, wait func(context.Context, Q) error) (int, error) {
	if len(queues) == 1 {
		return 0, wait(ctx, queues[0])
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		idx int
		err error
	}

	results := make(chan result, len(queues))

	var wg sync.WaitGroup
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q Q) {
			defer wg.Done()
			results <- result{idx: i, err: wait(raceCtx, q)}
		}(i, q)
	}

	winner := <-results

	cancel()
	wg.Wait()

	if winner.err != nil && ctx.Err() != nil {
		return winner.idx, ctx.Err()
	}

	return winner.idx, winner.err
}
