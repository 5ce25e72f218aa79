// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package testutil

import (
	"fmt"
	"os"
	"testing"
)

const cloneDevicePath = "/dev/net/tun"

// EnsureTUN skips the test if TUN devices cannot be created, either because
// the clone device is missing or because the process lacks CAP_NET_ADMIN
// (approximated by running as root).
func EnsureTUN(t *testing.T) {
	if _, err := os.Stat(cloneDevicePath); err != nil {
		t.Skipf("%s is not available: %v", cloneDevicePath, err)
	}

	if os.Geteuid() != 0 {
		t.Skip("creating TUN devices requires root")
	}
}

// InterfaceName returns a device name unique to this test process.
func InterfaceName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, os.Getpid()%100000)
}

// EnsureNotGitHubActions skips the test if it is running in a GitHub Actions
// environment, where the host does not reliably answer ICMP echo requests
// injected through a TUN device.
func EnsureNotGitHubActions(t *testing.T) {
	if os.Getenv("GITHUB_ACTIONS") == "true" {
		t.Skip("GitHub Actions environment detected")
	}
}
