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
	"fmt"

	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"
	"github.com/vishvananda/netlink"
)

const (
	// DefaultMTU is the MTU the kernel assigns to a new TUN device.
	DefaultMTU = 1500
)

// Configuration is the configuration of a TUN device.
type Configuration struct {
	// MTU is the maximum transmission unit of the link. If unset the kernel
	// default is kept.
	MTU *int
	// Up brings the link administratively up once all queues are attached.
	Up *bool
	// NonBlocking puts every queue into non-blocking mode. Only meaningful
	// for synchronous devices, asynchronous queues are always non-blocking.
	NonBlocking *bool
}

// Default values (if not set).
var defaultConfiguration = Configuration{
	Up:          ptr.To(false),
	NonBlocking: ptr.To(false),
}

func configurationWithDefaults(conf *Configuration) (*Configuration, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConfiguration)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if conf.MTU != nil && (*conf.MTU < 68 || *conf.MTU > 65535) {
		return nil, fmt.Errorf("invalid MTU %d", *conf.MTU)
	}

	return conf, nil
}

// configureLink applies the link level parts of the configuration to the
// named device.
func configureLink(name string, conf *Configuration) error {
	if conf.MTU == nil && !*conf.Up {
		return nil
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to get link by name: %w", err)
	}

	if conf.MTU != nil {
		if err := netlink.LinkSetMTU(link, *conf.MTU); err != nil {
			return fmt.Errorf("failed to set MTU: %w", err)
		}
	}

	if *conf.Up {
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("failed to set link up: %w", err)
		}
	}

	return nil
}

// linkMTU returns the current MTU of the named device.
func linkMTU(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("failed to get link by name: %w", err)
	}

	return link.Attrs().MTU, nil
}
