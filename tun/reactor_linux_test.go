//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tun

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/mqtun"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()

	r, err := NewReactor(slogt.New(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})

	return r
}

func epollPair(t *testing.T, r *Reactor) (*EpollQueue, int) {
	t.Helper()

	q, peer := socketPair(t)

	eq, err := r.register(q)
	require.NoError(t, err)

	return eq, peer
}

func TestEpollQueue(t *testing.T) {
	t.Run("SendRecv", func(t *testing.T) {
		r := newTestReactor(t)

		q, peer := epollPair(t, r)
		t.Cleanup(func() {
			require.NoError(t, q.Close())
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)

		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = unix.Write(peer, []byte("hello"))
		}()

		buf := make([]byte, 16)
		n, err := q.Recv(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf[:n]))

		_, err = q.Send(ctx, []byte("world"))
		require.NoError(t, err)

		n, err = unix.Read(peer, buf)
		require.NoError(t, err)
		require.Equal(t, "world", string(buf[:n]))
	})

	t.Run("StaleHintCleared", func(t *testing.T) {
		r := newTestReactor(t)

		q, peer := epollPair(t, r)
		t.Cleanup(func() {
			require.NoError(t, q.Close())
		})

		// Fresh registrations are optimistically readable.
		require.NoError(t, q.Readable(context.Background()))

		_, err := q.TryRecv(make([]byte, 16))
		require.ErrorIs(t, err, mqtun.ErrWouldBlock)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		t.Cleanup(cancel)

		require.ErrorIs(t, q.Readable(ctx), context.DeadlineExceeded)

		_, err = unix.Write(peer, []byte("hello"))
		require.NoError(t, err)

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)

		require.NoError(t, q.Readable(ctx))
	})

	t.Run("Writable", func(t *testing.T) {
		r := newTestReactor(t)

		q, peer := epollPair(t, r)
		t.Cleanup(func() {
			require.NoError(t, q.Close())
		})

		sent := fill(t, q.TrySend)
		require.Positive(t, sent)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		t.Cleanup(cancel)

		require.ErrorIs(t, q.Writable(ctx), context.DeadlineExceeded)

		require.NoError(t, unix.SetNonblock(peer, true))
		drain(t, peer)

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		t.Cleanup(cancel)

		require.NoError(t, q.Writable(ctx))
	})

	t.Run("Close", func(t *testing.T) {
		r := newTestReactor(t)

		q, _ := epollPair(t, r)

		// Consume the initial hint.
		_, err := q.TryRecv(make([]byte, 16))
		require.ErrorIs(t, err, mqtun.ErrWouldBlock)

		require.NoError(t, q.Close())
		require.ErrorIs(t, q.Close(), os.ErrClosed)

		require.ErrorIs(t, q.Readable(context.Background()), os.ErrClosed)

		_, err = q.TryRecv(make([]byte, 16))
		require.ErrorIs(t, err, os.ErrClosed)
	})
}

func TestReactor(t *testing.T) {
	t.Run("CloseWakesWaiters", func(t *testing.T) {
		r, err := NewReactor(slogt.New(t))
		require.NoError(t, err)

		q, _ := epollPair(t, r)
		t.Cleanup(func() {
			require.NoError(t, q.Close())
		})

		_, err = q.TryRecv(make([]byte, 16))
		require.ErrorIs(t, err, mqtun.ErrWouldBlock)

		errCh := make(chan error, 1)
		go func() {
			errCh <- q.Readable(context.Background())
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, r.Close())

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, os.ErrClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken up")
		}

		// Closing twice is harmless.
		require.NoError(t, r.Close())
	})

	t.Run("RegisterAfterClose", func(t *testing.T) {
		r, err := NewReactor(slogt.New(t))
		require.NoError(t, err)
		require.NoError(t, r.Close())

		q, _ := socketPair(t)

		_, err = r.register(q)
		require.ErrorIs(t, err, os.ErrClosed)

		// The queue was closed on failure.
		require.Equal(t, -1, q.Fd())
	})

	t.Run("Multiplexer", func(t *testing.T) {
		const numQueues = 4

		r := newTestReactor(t)

		var (
			queues []*EpollQueue
			peers  []int
		)
		for i := 0; i < numQueues; i++ {
			q, peer := epollPair(t, r)
			queues = append(queues, q)
			peers = append(peers, peer)
		}

		mux := mqtun.NewMultiplexer(queues...)
		t.Cleanup(func() {
			require.NoError(t, mux.Close())
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		t.Cleanup(cancel)

		const numDatagrams = 40
		for i := 0; i < numDatagrams; i++ {
			_, err := unix.Write(peers[i%numQueues], []byte(fmt.Sprintf("datagram-%d", i)))
			require.NoError(t, err)
		}

		seen := make(map[string]bool)
		buf := make([]byte, 64)
		for i := 0; i < numDatagrams; i++ {
			n, idx, err := mux.Recv(ctx, buf)
			require.NoError(t, err)

			datagram := string(buf[:n])
			require.False(t, seen[datagram], datagram)
			seen[datagram] = true

			var sent int
			_, err = fmt.Sscanf(datagram, "datagram-%d", &sent)
			require.NoError(t, err)
			require.Equal(t, sent%numQueues, idx)
		}

		waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		t.Cleanup(waitCancel)

		_, _, err := mux.Recv(waitCtx, buf)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// Writes go to whichever queue is writable.
		n, idx, err := mux.Send(ctx, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, 5, n)

		n, err = unix.Read(peers[idx], buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf[:n]))
	})
}
