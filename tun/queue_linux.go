//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from wireguard-go,
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
 * of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package tun

import (
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/noisysockets/mqtun"
	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
)

var _ io.ReadWriteCloser = (*Queue)(nil)

// Queue owns a single kernel queue of a TUN device. It performs no internal
// locking: each queue should have at most one reader and one writer at a
// time.
type Queue struct {
	// fd is -1 once the queue has been closed or its descriptor released.
	fd atomic.Int32
}

// OpenQueue attaches a new queue to the device described by req. If the
// request carries a name template, the kernel writes the resolved name back
// into req so that subsequent queues attach to the same device.
func OpenQueue(req *InterfaceRequest) (*Queue, error) {
	fd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: cloneDevicePath, Err: err}
	}

	ret, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(req)),
	)
	if errno != 0 {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("ioctl", errno)
	}
	if int(ret) >= 1 {
		_ = unix.Close(fd)
		return nil, &mqtun.IoctlError{Code: int(ret)}
	}

	return newQueue(fd), nil
}

func newQueue(fd int) *Queue {
	q := &Queue{}
	q.fd.Store(int32(fd))

	runtime.SetFinalizer(q, (*Queue).Close)

	return q
}

// Fd returns the underlying descriptor, or -1 if the queue is closed.
func (q *Queue) Fd() int {
	return int(q.fd.Load())
}

// Close closes the queue. Closing an already closed queue returns
// os.ErrClosed and never touches the (possibly reused) descriptor.
func (q *Queue) Close() error {
	fd := q.fd.Swap(-1)
	if fd < 0 {
		return os.ErrClosed
	}

	runtime.SetFinalizer(q, nil)

	if err := unix.Close(int(fd)); err != nil {
		return os.NewSyscallError("close", err)
	}

	return nil
}

// SetNonBlocking enables or disables non-blocking mode. Requesting the mode
// the queue is already in is a no-op.
func (q *Queue) SetNonBlocking(on bool) error {
	fd := q.Fd()
	if fd < 0 {
		return os.ErrClosed
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return os.NewSyscallError("fcntl", err)
	}

	if (flags&unix.O_NONBLOCK != 0) == on {
		return nil
	}

	if on {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
		return os.NewSyscallError("fcntl", err)
	}

	return nil
}

// NonBlocking reports whether the queue is in non-blocking mode.
func (q *Queue) NonBlocking() (bool, error) {
	fd := q.Fd()
	if fd < 0 {
		return false, os.ErrClosed
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, os.NewSyscallError("fcntl", err)
	}

	return flags&unix.O_NONBLOCK != 0, nil
}

// Send writes a single datagram to the queue, injecting it into the host's
// network stack. A short write is reported through the returned count, it
// is not retried. In non-blocking mode an error matching
// mqtun.ErrWouldBlock is returned if the queue cannot accept the datagram.
func (q *Queue) Send(datagram []byte) (int, error) {
	fd := q.Fd()
	if fd < 0 {
		return 0, os.ErrClosed
	}

	n, err := unix.Write(fd, datagram)
	if err != nil {
		return 0, os.NewSyscallError("write", err)
	}

	return n, nil
}

// Recv reads a single datagram from the queue. In non-blocking mode an error
// matching mqtun.ErrWouldBlock is returned if no datagram is pending.
func (q *Queue) Recv(datagram []byte) (int, error) {
	fd := q.Fd()
	if fd < 0 {
		return 0, os.ErrClosed
	}

	n, err := unix.Read(fd, datagram)
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}

	return n, nil
}

func (q *Queue) Read(p []byte) (int, error) {
	return q.Recv(p)
}

func (q *Queue) Write(p []byte) (int, error) {
	return q.Send(p)
}

// release detaches the descriptor from the queue, handing ownership to the
// caller. The queue behaves as closed afterwards.
func (q *Queue) release() (int, error) {
	fd := q.fd.Swap(-1)
	if fd < 0 {
		return -1, os.ErrClosed
	}

	runtime.SetFinalizer(q, nil)

	return int(fd), nil
}
