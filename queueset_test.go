// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mqtun_test

import (
	"errors"
	"testing"

	"github.com/noisysockets/mqtun"
	"github.com/stretchr/testify/require"
)

type closer struct {
	id     int
	err    error
	closed int
}

func (c *closer) Close() error {
	c.closed++
	return c.err
}

func newClosers(n int) []*closer {
	closers := make([]*closer, n)
	for i := range closers {
		closers[i] = &closer{id: i}
	}
	return closers
}

func TestQueueSet(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		closers := newClosers(3)
		set := mqtun.NewQueueSet(closers...)

		require.Equal(t, 3, set.Len())

		for i := range closers {
			q, err := set.Get(i)
			require.NoError(t, err)
			require.Same(t, closers[i], q)
		}

		for _, i := range []int{-1, 3, 100} {
			_, err := set.Get(i)
			require.ErrorIs(t, err, mqtun.ErrInvalidQueue)

			var queueErr *mqtun.InvalidQueueError
			require.True(t, errors.As(err, &queueErr))
			require.Equal(t, i, queueErr.Index)
		}
	})

	t.Run("Drain", func(t *testing.T) {
		closers := newClosers(4)
		set := mqtun.NewQueueSet(closers...)

		drained, err := set.Drain(1, 3)
		require.NoError(t, err)
		require.Len(t, drained, 2)
		require.Same(t, closers[1], drained[0])
		require.Same(t, closers[2], drained[1])

		// Remaining queues are re-indexed.
		require.Equal(t, 2, set.Len())

		q, err := set.Get(1)
		require.NoError(t, err)
		require.Same(t, closers[3], q)

		// Drained queues are no longer closed by the set.
		require.NoError(t, set.Close())
		require.Equal(t, 1, closers[0].closed)
		require.Zero(t, closers[1].closed)
		require.Zero(t, closers[2].closed)
		require.Equal(t, 1, closers[3].closed)
	})

	t.Run("DrainEmptyRange", func(t *testing.T) {
		set := mqtun.NewQueueSet(newClosers(2)...)

		drained, err := set.Drain(1, 1)
		require.NoError(t, err)
		require.Empty(t, drained)
		require.Equal(t, 2, set.Len())
	})

	t.Run("DrainOutOfRange", func(t *testing.T) {
		set := mqtun.NewQueueSet(newClosers(2)...)

		_, err := set.Drain(0, 3)
		require.ErrorIs(t, err, mqtun.ErrInvalidQueue)

		_, err = set.Drain(2, 1)
		require.ErrorIs(t, err, mqtun.ErrInvalidQueue)

		require.Equal(t, 2, set.Len())
	})

	t.Run("DrainAll", func(t *testing.T) {
		set := mqtun.NewQueueSet(newClosers(3)...)

		drained, err := set.Drain(0, set.Len())
		require.NoError(t, err)
		require.Len(t, drained, 3)
		require.Zero(t, set.Len())

		_, err = set.Get(0)
		require.ErrorIs(t, err, mqtun.ErrInvalidQueue)
	})

	t.Run("QueuesIsSnapshot", func(t *testing.T) {
		closers := newClosers(2)
		set := mqtun.NewQueueSet(closers...)

		queues := set.Queues()
		queues[0] = nil

		q, err := set.Get(0)
		require.NoError(t, err)
		require.Same(t, closers[0], q)
	})

	t.Run("CloseBestEffort", func(t *testing.T) {
		errFirst := errors.New("first")
		errSecond := errors.New("second")

		closers := newClosers(4)
		closers[1].err = errFirst
		closers[2].err = errSecond

		set := mqtun.NewQueueSet(closers...)

		require.ErrorIs(t, set.Close(), errFirst)

		for _, c := range closers {
			require.Equal(t, 1, c.closed)
		}

		require.Zero(t, set.Len())

		// Nothing left to close.
		require.NoError(t, set.Close())
		for _, c := range closers {
			require.Equal(t, 1, c.closed)
		}
	})
}
