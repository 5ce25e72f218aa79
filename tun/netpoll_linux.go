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
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/noisysockets/mqtun"
	"golang.org/x/sys/unix"
)

var _ mqtun.AsyncQueue = (*NetpollQueue)(nil)

// aLongTimeAgo is a deadline in the past, used to interrupt blocked waits.
var aLongTimeAgo = time.Unix(1, 0)

// NetpollQueue is a queue driven by the Go runtime network poller.
type NetpollQueue struct {
	file   *os.File
	rc     syscall.RawConn
	closed atomic.Bool
}

// OpenNetpollQueue attaches a new non-blocking queue to the device described
// by req and registers it with the Go runtime network poller.
func OpenNetpollQueue(req *InterfaceRequest) (*NetpollQueue, error) {
	q, err := OpenQueue(req)
	if err != nil {
		return nil, err
	}

	return newNetpollQueue(q)
}

func newNetpollQueue(q *Queue) (*NetpollQueue, error) {
	if err := q.SetNonBlocking(true); err != nil {
		_ = q.Close()
		return nil, err
	}

	fd, err := q.release()
	if err != nil {
		return nil, err
	}

	// os.NewFile only registers non-blocking descriptors with netpoll.
	file := os.NewFile(uintptr(fd), cloneDevicePath)

	rc, err := file.SyscallConn()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	return &NetpollQueue{
		file: file,
		rc:   rc,
	}, nil
}

func (q *NetpollQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}

	return q.file.Close()
}

func (q *NetpollQueue) Readable(ctx context.Context) error {
	return q.withCancel(ctx, q.file.SetReadDeadline, func() error {
		return q.rc.Read(func(fd uintptr) bool {
			return pollReady(fd, unix.POLLIN)
		})
	})
}

func (q *NetpollQueue) Writable(ctx context.Context) error {
	return q.withCancel(ctx, q.file.SetWriteDeadline, func() error {
		return q.rc.Write(func(fd uintptr) bool {
			return pollReady(fd, unix.POLLOUT)
		})
	})
}

func (q *NetpollQueue) TryRecv(datagram []byte) (int, error) {
	var (
		n   int
		err error
	)
	if rcErr := q.rc.Read(func(fd uintptr) bool {
		n, err = unix.Read(int(fd), datagram)
		return true
	}); rcErr != nil {
		return 0, q.mapError(rcErr)
	}
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}

	return n, nil
}

func (q *NetpollQueue) TrySend(datagram []byte) (int, error) {
	var (
		n   int
		err error
	)
	if rcErr := q.rc.Write(func(fd uintptr) bool {
		n, err = unix.Write(int(fd), datagram)
		return true
	}); rcErr != nil {
		return 0, q.mapError(rcErr)
	}
	if err != nil {
		return 0, os.NewSyscallError("write", err)
	}

	return n, nil
}

// Recv blocks until a datagram has been read or ctx is done.
func (q *NetpollQueue) Recv(ctx context.Context, datagram []byte) (int, error) {
	return mqtun.Recv(ctx, q, datagram)
}

// Send blocks until the datagram has been written or ctx is done.
func (q *NetpollQueue) Send(ctx context.Context, datagram []byte) (int, error) {
	return mqtun.Send(ctx, q, datagram)
}

// withCancel runs fn, interrupting it through the file deadline if ctx is
// done before fn returns.
func (q *NetpollQueue) withCancel(ctx context.Context, setDeadline func(time.Time) error, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ctx.Done() == nil {
		return q.mapError(fn())
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
		close(interrupted)
	})

	err := fn()
	if !stop() {
		<-interrupted
		_ = setDeadline(time.Time{})

		if errors.Is(err, os.ErrDeadlineExceeded) {
			return ctx.Err()
		}
	}

	return q.mapError(err)
}

// mapError reports os.ErrClosed for failures caused by a concurrent Close,
// the raw connection reports those with an internal error value.
func (q *NetpollQueue) mapError(err error) error {
	if err != nil && q.closed.Load() {
		return os.ErrClosed
	}
	return err
}

// pollReady reports whether fd is ready for the given events. Errors are
// reported as ready so the following operation surfaces them.
func pollReady(fd uintptr, events int16) bool {
	pollFds := []unix.PollFd{
		{
			Fd:     int32(fd),
			Events: events,
		},
	}

	n, err := pollWithRetry(pollFds, 0)
	if err != nil {
		return true
	}

	return n > 0 && pollFds[0].Revents != 0
}

func pollWithRetry(pollFds []unix.PollFd, timeout int) (int, error) {
	for {
		n, err := unix.Poll(pollFds, timeout)
		if err == unix.EINTR {
			continue // retry on EINTR
		}
		return n, err
	}
}
