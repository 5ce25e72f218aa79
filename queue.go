// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package mqtun provides user space access to multi-queue TUN devices.
//
// The root package is platform independent. It defines the AsyncQueue
// capability implemented by every readiness mechanism, the ordered QueueSet
// used to own the queues of a device and the Multiplexer that services
// whichever queue becomes ready first. The Linux device itself lives in the
// tun sub-package.
package mqtun

import (
	"context"
	"io"
)

// AsyncQueue is a single datagram queue bound to a readiness notification
// mechanism.
//
// Readiness is a hint, not a guarantee: TryRecv/TrySend may still return
// ErrWouldBlock after Readable/Writable returned nil.
//
// Close may be called concurrently with a pending Readable or Writable,
// which then returns os.ErrClosed.
type AsyncQueue interface {
	io.Closer

	// Readable blocks until the queue is probably ready to be read from.
	Readable(ctx context.Context) error

	// Writable blocks until the queue is probably ready to be written to.
	Writable(ctx context.Context) error

	// TryRecv performs a single non-blocking read of one datagram.
	TryRecv(datagram []byte) (int, error)

	// TrySend performs a single non-blocking write of one datagram.
	TrySend(datagram []byte) (int, error)
}

// Recv reads the next datagram from the queue. It waits for readability and
// retries on stale readiness hints, so it never returns ErrWouldBlock.
func Recv(ctx context.Context, q AsyncQueue, datagram []byte) (int, error) {
	for {
		if err := q.Readable(ctx); err != nil {
			return 0, err
		}

		n, err := q.TryRecv(datagram)
		if IsWouldBlock(err) {
			continue
		}
		return n, err
	}
}

// Send writes a datagram to the queue. It waits for writability and retries
// on stale readiness hints, so it never returns ErrWouldBlock.
func Send(ctx context.Context, q AsyncQueue, datagram []byte) (int, error) {
	for {
		if err := q.Writable(ctx); err != nil {
			return 0, err
		}

		n, err := q.TrySend(datagram)
		if IsWouldBlock(err) {
			continue
		}
		return n, err
	}
}
