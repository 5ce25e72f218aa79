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
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/noisysockets/mqtun/internal/readiness"
)

var _ AsyncQueue = (*PipeEndpoint)(nil)

// DefaultPipeCapacity is the number of datagrams buffered in each direction
// when Pipe is called with a non-positive capacity.
const DefaultPipeCapacity = 64

type pipeBuffer struct {
	mu             sync.Mutex
	capacity       int
	datagrams      [][]byte
	senderClosed   bool
	receiverClosed bool
	readable       *readiness.Flag
	writable       *readiness.Flag
}

func newPipeBuffer(capacity int) *pipeBuffer {
	return &pipeBuffer{
		capacity: capacity,
		readable: readiness.NewFlag(false),
		writable: readiness.NewFlag(true),
	}
}

// PipeEndpoint is one end of an in-memory datagram pipe.
type PipeEndpoint struct {
	name      string
	in        *pipeBuffer
	out       *pipeBuffer
	done      chan struct{}
	closeOnce sync.Once
}

// Pipe creates a pair of connected queues that can be used to simulate a
// TUN queue. This is similar to a linux veth device. Each direction buffers
// up to capacity datagrams, beyond which TrySend reports ErrWouldBlock.
func Pipe(capacity int) (*PipeEndpoint, *PipeEndpoint) {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}

	aToB := newPipeBuffer(capacity)
	bToA := newPipeBuffer(capacity)

	a := &PipeEndpoint{
		name: "pipe0",
		in:   bToA,
		out:  aToB,
		done: make(chan struct{}),
	}

	b := &PipeEndpoint{
		name: "pipe1",
		in:   aToB,
		out:  bToA,
		done: make(chan struct{}),
	}

	return a, b
}

func (p *PipeEndpoint) Name() string {
	return p.name
}

func (p *PipeEndpoint) Readable(ctx context.Context) error {
	return p.in.readable.Wait(ctx, p.done)
}

func (p *PipeEndpoint) Writable(ctx context.Context) error {
	return p.out.writable.Wait(ctx, p.done)
}

func (p *PipeEndpoint) TryRecv(datagram []byte) (int, error) {
	if p.isClosed() {
		return 0, os.ErrClosed
	}

	in := p.in
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.datagrams) == 0 {
		if in.senderClosed {
			return 0, io.EOF
		}
		in.readable.Clear()
		return 0, ErrWouldBlock
	}

	next := in.datagrams[0]
	in.datagrams[0] = nil
	in.datagrams = in.datagrams[1:]

	if len(in.datagrams) == 0 && !in.senderClosed {
		in.readable.Clear()
	}
	in.writable.Set()

	return copy(datagram, next), nil
}

func (p *PipeEndpoint) TrySend(datagram []byte) (int, error) {
	if p.isClosed() {
		return 0, os.ErrClosed
	}

	out := p.out
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.receiverClosed {
		return 0, io.ErrClosedPipe
	}

	if len(out.datagrams) >= out.capacity {
		out.writable.Clear()
		return 0, ErrWouldBlock
	}

	out.datagrams = append(out.datagrams, bytes.Clone(datagram))
	out.readable.Set()

	if len(out.datagrams) >= out.capacity {
		out.writable.Clear()
	}

	return len(datagram), nil
}

// Recv blocks until a datagram is available.
func (p *PipeEndpoint) Recv(ctx context.Context, datagram []byte) (int, error) {
	return Recv(ctx, p, datagram)
}

// Send blocks until the datagram has been buffered.
func (p *PipeEndpoint) Send(ctx context.Context, datagram []byte) (int, error) {
	return Send(ctx, p, datagram)
}

func (p *PipeEndpoint) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)

		// Wake up anyone blocked on the other end.
		p.in.mu.Lock()
		p.in.receiverClosed = true
		p.in.writable.Set()
		p.in.mu.Unlock()

		p.out.mu.Lock()
		p.out.senderClosed = true
		p.out.readable.Set()
		p.out.mu.Unlock()
	})
	return nil
}

func (p *PipeEndpoint) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
