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

	"golang.org/x/sync/errgroup"
)

// Splice splices (bidirectional copy) two queues together. It returns when
// either direction fails or the context is cancelled. If pool is nil a
// private pool is used.
//
// Each direction borrows a datagram only once its source is readable and
// returns it after the datagram has been sent, so a pool shared with other
// splices only needs a single free datagram to make progress.
func Splice(ctx context.Context, qA, qB AsyncQueue, pool *DatagramPool) error {
	if pool == nil {
		pool = NewDatagramPool(2)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return copyDatagrams(ctx, qA, qB, pool)
	})

	g.Go(func() error {
		return copyDatagrams(ctx, qB, qA, pool)
	})

	return g.Wait()
}

func copyDatagrams(ctx context.Context, dst, src AsyncQueue, pool *DatagramPool) error {
	for {
		if err := src.Readable(ctx); err != nil {
			return err
		}

		if err := copyDatagram(ctx, dst, src, pool); err != nil {
			if IsWouldBlock(err) {
				continue
			}
			return err
		}
	}
}

func copyDatagram(ctx context.Context, dst, src AsyncQueue, pool *DatagramPool) error {
	d := pool.Borrow()
	defer d.Release()

	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := src.TryRecv(d.Buf[:])
	if err != nil {
		return err
	}
	d.Size = n

	_, err = Send(ctx, dst, d.Bytes())
	return err
}
