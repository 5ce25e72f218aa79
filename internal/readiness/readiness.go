// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package readiness provides a level style readiness flag that can be fed by
// edge style notifications.
package readiness

import (
	"context"
	"os"
	"sync"
)

// Flag records whether an operation is probably possible. Waiting on the
// flag does not consume it, so any number of racing waiters observe the same
// state.
type Flag struct {
	mu    sync.Mutex
	ready bool
	seq   uint64
	wake  chan struct{}
}

// NewFlag returns a flag in the given initial state.
func NewFlag(ready bool) *Flag {
	return &Flag{
		ready: ready,
		wake:  make(chan struct{}),
	}
}

// Set marks the flag ready and wakes all waiters.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ready = true
	f.seq++
	close(f.wake)
	f.wake = make(chan struct{})
}

// Clear marks the flag not ready.
func (f *Flag) Clear() {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
}

// Seq returns the number of times the flag has been set. Callers take a
// snapshot before attempting an operation and pass it to ClearIf when the
// operation would block.
func (f *Flag) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.seq
}

// ClearIf marks the flag not ready unless it has been set since seq was
// observed.
func (f *Flag) ClearIf(seq uint64) {
	f.mu.Lock()
	if f.seq == seq {
		f.ready = false
	}
	f.mu.Unlock()
}

// Wait blocks until the flag is ready, the context is done or done is
// closed (in which case os.ErrClosed is returned).
func (f *Flag) Wait(ctx context.Context, done <-chan struct{}) error {
	for {
		f.mu.Lock()
		if f.ready {
			f.mu.Unlock()
			return nil
		}
		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return os.ErrClosed
		}
	}
}
