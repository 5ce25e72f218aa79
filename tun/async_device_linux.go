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
	"log/slog"
	"sync"

	"github.com/noisysockets/mqtun"
)

// AsyncDevice is a named TUN device made of one or more asynchronous queues,
// all bound to the same readiness mechanism.
type AsyncDevice[Q mqtun.AsyncQueue] struct {
	*mqtun.QueueSet[Q]
	logger    *slog.Logger
	name      string
	readOpMu  sync.Mutex
	writeOpMu sync.Mutex
}

// CreateNetpoll creates (or attaches to) the named TUN device with numQueues
// queues driven by the Go runtime network poller.
func CreateNetpoll(ctx context.Context, logger *slog.Logger, name string, numQueues int, conf *Configuration) (*AsyncDevice[*NetpollQueue], error) {
	return createAsync(ctx, logger, name, numQueues, conf, OpenNetpollQueue)
}

// CreateEpoll creates (or attaches to) the named TUN device with numQueues
// queues registered with the given reactor.
func CreateEpoll(ctx context.Context, logger *slog.Logger, reactor *Reactor, name string, numQueues int, conf *Configuration) (*AsyncDevice[*EpollQueue], error) {
	return createAsync(ctx, logger, name, numQueues, conf, reactor.Open)
}

func createAsync[Q mqtun.AsyncQueue](ctx context.Context, logger *slog.Logger, name string, numQueues int, conf *Configuration, open func(*InterfaceRequest) (Q, error)) (*AsyncDevice[Q], error) {
	if logger == nil {
		logger = slog.Default()
	}

	conf, err := configurationWithDefaults(conf)
	if err != nil {
		return nil, err
	}

	queues, name, err := openQueues(ctx, logger, name, numQueues, open)
	if err != nil {
		return nil, err
	}

	dev := &AsyncDevice[Q]{
		QueueSet: mqtun.NewQueueSet(queues...),
		logger:   logger,
		name:     name,
	}

	if err := configureLink(name, conf); err != nil {
		_ = dev.Close()
		return nil, err
	}

	logger.Debug("Created asynchronous TUN device",
		slog.String("name", name), slog.Int("queues", numQueues))

	return dev, nil
}

// Name returns the kernel assigned name of the device.
func (dev *AsyncDevice[Q]) Name() string {
	return dev.name
}

// MTU returns the current MTU of the device.
func (dev *AsyncDevice[Q]) MTU() (int, error) {
	return linkMTU(dev.name)
}

// SendVia writes a datagram to the queue at index i, waiting for it to
// become writable.
func (dev *AsyncDevice[Q]) SendVia(ctx context.Context, i int, datagram []byte) (int, error) {
	q, err := dev.Get(i)
	if err != nil {
		return 0, err
	}

	return mqtun.Send(ctx, q, datagram)
}

// RecvVia reads a datagram from the queue at index i, waiting for it to
// become readable.
func (dev *AsyncDevice[Q]) RecvVia(ctx context.Context, i int, datagram []byte) (int, error) {
	q, err := dev.Get(i)
	if err != nil {
		return 0, err
	}

	return mqtun.Recv(ctx, q, datagram)
}

// Send writes a datagram to whichever queue becomes writable first and
// returns the number of bytes written along with the index of that queue.
func (dev *AsyncDevice[Q]) Send(ctx context.Context, datagram []byte) (int, int, error) {
	dev.writeOpMu.Lock()
	defer dev.writeOpMu.Unlock()

	return mqtun.SendAny(ctx, dev.Queues(), datagram)
}

// Recv reads a datagram from whichever queue becomes readable first and
// returns the number of bytes read along with the index of that queue.
func (dev *AsyncDevice[Q]) Recv(ctx context.Context, datagram []byte) (int, int, error) {
	dev.readOpMu.Lock()
	defer dev.readOpMu.Unlock()

	return mqtun.RecvAny(ctx, dev.Queues(), datagram)
}

// Close closes every queue still owned by the device.
func (dev *AsyncDevice[Q]) Close() error {
	if err := dev.QueueSet.Close(); err != nil {
		return fmt.Errorf("failed to close queues: %w", err)
	}

	dev.logger.Debug("Closed asynchronous TUN device", slog.String("name", dev.name))

	return nil
}
