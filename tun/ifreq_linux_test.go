//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tun_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/noisysockets/mqtun"
	"github.com/noisysockets/mqtun/tun"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInterfaceRequest(t *testing.T) {
	t.Run("Size", func(t *testing.T) {
		require.Equal(t, uintptr(40), unsafe.Sizeof(tun.InterfaceRequest{}))
	})

	t.Run("Valid", func(t *testing.T) {
		req, err := tun.NewInterfaceRequest("rip%d")
		require.NoError(t, err)

		require.Equal(t, "rip%d", req.Name())
		require.Equal(t, uint16(unix.IFF_TUN|unix.IFF_NO_PI|unix.IFF_MULTI_QUEUE), req.Flags())
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := tun.NewInterfaceRequest("")
		require.ErrorIs(t, err, mqtun.ErrInvalidName)

		var nameErr *mqtun.InvalidNameError
		require.True(t, errors.As(err, &nameErr))
		require.Equal(t, "", nameErr.Name)
		require.Equal(t, unix.IFNAMSIZ, nameErr.MaxSize)
		require.EqualError(t, nameErr, `invalid device name "" is either empty or not ASCII (max 16B)`)
	})

	t.Run("NonASCII", func(t *testing.T) {
		_, err := tun.NewInterfaceRequest("😀")
		require.ErrorIs(t, err, mqtun.ErrInvalidName)

		_, err = tun.NewInterfaceRequest("tün0")
		require.ErrorIs(t, err, mqtun.ErrInvalidName)
	})

	t.Run("Truncated", func(t *testing.T) {
		req, err := tun.NewInterfaceRequest("a-very-long-device-name")
		require.NoError(t, err)

		require.Equal(t, "a-very-long-dev", req.Name())
		require.Len(t, req.Name(), unix.IFNAMSIZ-1)
	})

	t.Run("MaxLength", func(t *testing.T) {
		req, err := tun.NewInterfaceRequest("exactly15bytes!")
		require.NoError(t, err)

		require.Equal(t, "exactly15bytes!", req.Name())
	})
}
