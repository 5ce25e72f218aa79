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
	"unsafe"

	"github.com/noisysockets/mqtun"
	"golang.org/x/sys/unix"
)

const (
	// Flags is the only supported queue configuration: a TUN (layer 3)
	// device without packet information headers, with multiple queues.
	Flags uint16 = unix.IFF_TUN | unix.IFF_NO_PI | unix.IFF_MULTI_QUEUE

	// ifReqSize is sizeof(struct ifreq), the kernel copies this many bytes
	// in both directions during TUNSETIFF.
	ifReqSize = unix.IFNAMSIZ + 24
)

// InterfaceRequest is the kernel configuration record used to attach a queue
// to a named TUN device. The layout matches struct ifreq: a NUL padded name
// immediately followed by the 16 bit flags field.
type InterfaceRequest struct {
	name  [unix.IFNAMSIZ]byte
	flags uint16
	_     [ifReqSize - unix.IFNAMSIZ - 2]byte
}

var _ [ifReqSize]byte = [unsafe.Sizeof(InterfaceRequest{})]byte{}

// NewInterfaceRequest builds the configuration record for the named device.
// Names longer than IFNAMSIZ-1 bytes are truncated, never rejected. The name
// may contain a "%d" template which the kernel resolves on the first queue
// open; Name reports the resolved name afterwards.
func NewInterfaceRequest(name string) (*InterfaceRequest, error) {
	if !validName(name) {
		return nil, &mqtun.InvalidNameError{
			Name:    name,
			MaxSize: unix.IFNAMSIZ,
		}
	}

	req := &InterfaceRequest{flags: Flags}
	copy(req.name[:unix.IFNAMSIZ-1], name)

	return req, nil
}

// Name returns the effective device name, which may be shorter than the name
// originally requested.
func (req *InterfaceRequest) Name() string {
	return unix.ByteSliceToString(req.name[:])
}

// Flags returns the flags carried by the request.
func (req *InterfaceRequest) Flags() uint16 {
	return req.flags
}

func validName(name string) bool {
	if name == "" {
		return false
	}

	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return false
		}
	}

	return true
}
