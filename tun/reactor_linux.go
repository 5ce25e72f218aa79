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
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/noisysockets/mqtun"
	"github.com/noisysockets/mqtun/internal/readiness"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	// maxEpollEvents is the number of events collected per epoll_wait call.
	maxEpollEvents = 128
)

// Reactor drives edge triggered readiness for a set of queues from a single
// dedicated goroutine. A reactor may be shared by any number of devices.
type Reactor struct {
	logger *slog.Logger
	epfd   int
	wakeFd int
	tasks  *errgroup.Group
	// mu guards registrations and closed.
	mu            sync.Mutex
	registrations map[int32]*registration
	closed        bool
	closeOnce     sync.Once
	closeErr      error
}

// registration is the readiness state of a single registered descriptor.
type registration struct {
	fd        int
	readable  *readiness.Flag
	writable  *readiness.Flag
	done      chan struct{}
	closeOnce sync.Once
}

func (reg *registration) close() {
	reg.closeOnce.Do(func() {
		close(reg.done)
	})
}

// NewReactor creates a reactor and starts its event loop.
func NewReactor(logger *slog.Logger) (*Reactor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	r := &Reactor{
		logger:        logger,
		epfd:          epfd,
		wakeFd:        wakeFd,
		tasks:         &errgroup.Group{},
		registrations: make(map[int32]*registration),
	}

	r.tasks.Go(r.run)

	return r, nil
}

// Close stops the event loop. Waits on queues still registered with the
// reactor fail with os.ErrClosed, the queues themselves stay open.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		if _, err := unix.Write(r.wakeFd, one[:]); err != nil {
			r.closeErr = os.NewSyscallError("write", err)
			return
		}

		if err := r.tasks.Wait(); err != nil {
			r.closeErr = err
		}

		r.closeErr = errors.Join(r.closeErr,
			closeFd(r.wakeFd), closeFd(r.epfd))
	})

	return r.closeErr
}

// Open attaches a new queue to the device described by req and registers it
// with the reactor.
func (r *Reactor) Open(req *InterfaceRequest) (*EpollQueue, error) {
	q, err := OpenQueue(req)
	if err != nil {
		return nil, err
	}

	return r.register(q)
}

// register takes ownership of q. On failure q is closed.
func (r *Reactor) register(q *Queue) (*EpollQueue, error) {
	if err := q.SetNonBlocking(true); err != nil {
		_ = q.Close()
		return nil, err
	}

	fd := q.Fd()
	reg := &registration{
		fd: fd,
		// Nothing is known about the queue yet, so the first attempt is
		// always made.
		readable: readiness.NewFlag(true),
		writable: readiness.NewFlag(true),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = q.Close()
		return nil, os.ErrClosed
	}
	r.registrations[int32(fd)] = reg
	r.mu.Unlock()

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     int32(fd),
	}); err != nil {
		r.mu.Lock()
		delete(r.registrations, int32(fd))
		r.mu.Unlock()

		_ = q.Close()
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &EpollQueue{
		reactor: r,
		queue:   q,
		reg:     reg,
	}, nil
}

// deregister must be called before the descriptor is closed, otherwise a
// reused descriptor could be confused with the old one.
func (r *Reactor) deregister(reg *registration) error {
	defer reg.close()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	delete(r.registrations, int32(reg.fd))

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}

	return nil
}

func (r *Reactor) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer r.shutdown()

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			r.logger.Error("Reactor event loop failed", slog.Any("error", err))

			return os.NewSyscallError("epoll_wait", err)
		}

		for _, ev := range events[:n] {
			if int(ev.Fd) == r.wakeFd {
				return nil
			}

			r.mu.Lock()
			reg := r.registrations[ev.Fd]
			r.mu.Unlock()

			// Deregistered since the events were collected.
			if reg == nil {
				continue
			}

			if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				reg.readable.Set()
			}

			if ev.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				reg.writable.Set()
			}
		}
	}
}

// shutdown fails all outstanding and future waits.
func (r *Reactor) shutdown() {
	r.mu.Lock()
	r.closed = true
	registrations := r.registrations
	r.registrations = nil
	r.mu.Unlock()

	for _, reg := range registrations {
		reg.close()
	}
}

func closeFd(fd int) error {
	if err := unix.Close(fd); err != nil {
		return os.NewSyscallError("close", err)
	}

	return nil
}

var _ mqtun.AsyncQueue = (*EpollQueue)(nil)

// EpollQueue is a queue whose readiness is tracked by a Reactor.
type EpollQueue struct {
	reactor *Reactor
	queue   *Queue
	reg     *registration
	closed  atomic.Bool
}

// Close deregisters the queue from its reactor and closes it.
func (q *EpollQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}

	return errors.Join(q.reactor.deregister(q.reg), q.queue.Close())
}

func (q *EpollQueue) Readable(ctx context.Context) error {
	if q.closed.Load() {
		return os.ErrClosed
	}

	return q.reg.readable.Wait(ctx, q.reg.done)
}

func (q *EpollQueue) Writable(ctx context.Context) error {
	if q.closed.Load() {
		return os.ErrClosed
	}

	return q.reg.writable.Wait(ctx, q.reg.done)
}

func (q *EpollQueue) TryRecv(datagram []byte) (int, error) {
	seq := q.reg.readable.Seq()

	n, err := q.queue.Recv(datagram)
	if mqtun.IsWouldBlock(err) {
		q.reg.readable.ClearIf(seq)
	}

	return n, err
}

func (q *EpollQueue) TrySend(datagram []byte) (int, error) {
	seq := q.reg.writable.Seq()

	n, err := q.queue.Send(datagram)
	if mqtun.IsWouldBlock(err) {
		q.reg.writable.ClearIf(seq)
	}

	return n, err
}

// Recv blocks until a datagram has been read or ctx is done.
func (q *EpollQueue) Recv(ctx context.Context, datagram []byte) (int, error) {
	return mqtun.Recv(ctx, q, datagram)
}

// Send blocks until the datagram has been written or ctx is done.
func (q *EpollQueue) Send(ctx context.Context, datagram []byte) (int, error) {
	return mqtun.Send(ctx, q, datagram)
}
