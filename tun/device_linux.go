//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package tun implements multi-queue TUN devices for linux.
package tun

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/noisysockets/mqtun"
)

// Device is a named TUN device made of one or more synchronous queues.
//
// A Device may be shared between goroutines for indexed I/O, typically with
// one goroutine per queue. Drain and Close require exclusive access.
type Device struct {
	*mqtun.QueueSet[*Queue]
	logger *slog.Logger
	name   string
}

// Create creates (or attaches to) the named TUN device with numQueues queues.
// The name may contain a "%d" template, in which case the kernel picks the
// concrete name; use Name to retrieve it. If any queue fails to open, the
// queues opened so far are closed and no device is returned.
func Create(ctx context.Context, logger *slog.Logger, name string, numQueues int, conf *Configuration) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conf, err := configurationWithDefaults(conf)
	if err != nil {
		return nil, err
	}

	queues, name, err := openQueues(ctx, logger, name, numQueues, OpenQueue)
	if err != nil {
		return nil, err
	}

	dev := &Device{
		QueueSet: mqtun.NewQueueSet(queues...),
		logger:   logger,
		name:     name,
	}

	if *conf.NonBlocking {
		for i, q := range queues {
			if err := q.SetNonBlocking(true); err != nil {
				_ = dev.Close()
				return nil, fmt.Errorf("failed to set queue %d non-blocking: %w", i, err)
			}
		}
	}

	if err := configureLink(name, conf); err != nil {
		_ = dev.Close()
		return nil, err
	}

	logger.Debug("Created TUN device",
		slog.String("name", name), slog.Int("queues", numQueues))

	return dev, nil
}

// Name returns the kernel assigned name of the device. This can differ from
// the name supplied to Create.
func (dev *Device) Name() string {
	return dev.name
}

// MTU returns the current MTU of the device.
func (dev *Device) MTU() (int, error) {
	return linkMTU(dev.name)
}

// SendVia writes a datagram to the queue at index i, see Queue.Send.
func (dev *Device) SendVia(i int, datagram []byte) (int, error) {
	q, err := dev.Get(i)
	if err != nil {
		return 0, err
	}

	return q.Send(datagram)
}

// RecvVia reads a datagram from the queue at index i, see Queue.Recv.
func (dev *Device) RecvVia(i int, datagram []byte) (int, error) {
	q, err := dev.Get(i)
	if err != nil {
		return 0, err
	}

	return q.Recv(datagram)
}

// Close closes every queue still owned by the device. Queues previously
// handed out by Drain are the caller's responsibility.
func (dev *Device) Close() error {
	if err := dev.QueueSet.Close(); err != nil {
		return fmt.Errorf("failed to close queues: %w", err)
	}

	dev.logger.Debug("Closed TUN device", slog.String("name", dev.name))

	return nil
}

// openQueues builds a single request for name and opens numQueues queues
// against it, returning the queues and the resolved device name.
func openQueues[Q io.Closer](ctx context.Context, logger *slog.Logger, name string, numQueues int, open func(*InterfaceRequest) (Q, error)) ([]Q, string, error) {
	if numQueues < 1 {
		return nil, "", mqtun.ErrInvalidNumQueues
	}

	req, err := NewInterfaceRequest(name)
	if err != nil {
		return nil, "", err
	}

	queues := make([]Q, 0, numQueues)
	for i := 0; i < numQueues; i++ {
		q, err := openWithContext(ctx, req, open)
		if err != nil {
			if closeErr := mqtun.NewQueueSet(queues...).Close(); closeErr != nil {
				logger.Warn("Failed to close queues after open failure",
					slog.String("name", req.Name()), slog.Any("error", closeErr))
			}

			return nil, "", fmt.Errorf("failed to open queue %d: %w", i, err)
		}

		queues = append(queues, q)

		logger.Debug("Opened queue",
			slog.String("name", req.Name()), slog.Int("queue", i))
	}

	return queues, req.Name(), nil
}

func openWithContext[Q io.Closer](ctx context.Context, req *InterfaceRequest, open func(*InterfaceRequest) (Q, error)) (Q, error) {
	if err := ctx.Err(); err != nil {
		var zero Q
		return zero, err
	}

	return open(req)
}
