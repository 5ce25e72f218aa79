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
	"github.com/noisysockets/netutil/waitpool"
)

const (
	// MaxDatagramSize is the largest datagram a TUN queue can carry.
	MaxDatagramSize = 65535
)

// Datagram is a reusable buffer holding one raw IP datagram.
type Datagram struct {
	// Buf is the buffer containing the datagram.
	Buf [MaxDatagramSize]byte
	// Size is the size of the datagram.
	Size int
	// pool is the pool from which the datagram was borrowed.
	pool *DatagramPool
}

// Release returns the datagram to its pool.
func (d *Datagram) Release() {
	d.pool.Release(d)
}

// Reset resets the datagram.
func (d *Datagram) Reset() {
	d.Size = 0
}

// Bytes returns the datagram data as a byte slice.
func (d *Datagram) Bytes() []byte {
	return d.Buf[:d.Size]
}

// DatagramPool hands out datagram buffers, blocking once max datagrams are
// borrowed (zero means unbounded).
type DatagramPool struct {
	pool *waitpool.WaitPool[*Datagram]
}

// NewDatagramPool creates a new datagram pool with the given maximum number
// of datagrams.
func NewDatagramPool(max int) *DatagramPool {
	var dp *DatagramPool
	dp = &DatagramPool{
		pool: waitpool.New(uint32(max), func() *Datagram {
			return &Datagram{
				pool: dp,
			}
		}),
	}
	return dp
}

func (p *DatagramPool) Borrow() *Datagram {
	d := p.pool.Get()
	d.Reset()
	return d
}

func (p *DatagramPool) Release(d *Datagram) {
	p.pool.Put(d)
}

// Count returns the number of datagrams currently borrowed.
func (p *DatagramPool) Count() int {
	return p.pool.Count()
}
