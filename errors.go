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
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrWouldBlock is returned by non-blocking operations when the queue has
	// no data (or no capacity) available right now.
	ErrWouldBlock error = syscall.EAGAIN
	// ErrInvalidNumQueues is returned when a device is requested with less
	// than one queue.
	ErrInvalidNumQueues = errors.New("invalid number of queues specified must be greater than 0")
	// ErrInvalidName is matched by all *InvalidNameError values.
	ErrInvalidName = errors.New("invalid device name")
	// ErrInvalidQueue is matched by all *InvalidQueueError values.
	ErrInvalidQueue = errors.New("invalid queue")
	// ErrNoQueues is returned when multiplexing over an empty set of queues.
	ErrNoQueues = errors.New("no queues to multiplex")
)

// InvalidNameError reports a device name that is empty or not ASCII.
type InvalidNameError struct {
	// Name is the rejected name.
	Name string
	// MaxSize is the capacity of the kernel name buffer (including the
	// terminator).
	MaxSize int
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid device name %q is either empty or not ASCII (max %dB)", e.Name, e.MaxSize)
}

func (e *InvalidNameError) Is(target error) bool {
	return target == ErrInvalidName
}

// InvalidQueueError reports a queue index that is out of range.
type InvalidQueueError struct {
	Index int
}

func (e *InvalidQueueError) Error() string {
	return fmt.Sprintf("invalid queue descriptor specified %d is out of range", e.Index)
}

func (e *InvalidQueueError) Is(target error) bool {
	return target == ErrInvalidQueue
}

// IoctlError reports an unexpected positive status returned by the kernel
// configuration call.
type IoctlError struct {
	Code int
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("ioctl failed with unexpected return code: got %d", e.Code)
}

// IsWouldBlock reports whether err indicates a non-blocking operation could
// not complete immediately.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
