// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// ParseAddr splits a worker address into a network and an address. It
// accepts "unix:///path/to.sock", "tcp://host:port", a bare absolute path
// (unix) and a bare "host:port" (tcp).
func ParseAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		network, address = "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "/"):
		network, address = "unix", addr
	case strings.Contains(addr, "://"):
		return "", "", errors.Newf("unsupported address scheme in %q", addr)
	default:
		network, address = "tcp", addr
	}
	if address == "" {
		return "", "", errors.Newf("empty address in %q", addr)
	}
	return network, address, nil
}

// Listen listens on a worker address. A stale unix socket file is removed
// first.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.Remove(address); err != nil && !oserror.IsNotExist(err) {
			return nil, errors.Wrapf(err, "removing stale socket %s", address)
		}
	}
	ln, err := net.Listen(network, address)
	return ln, errors.Wrapf(err, "listening on %s", addr)
}

// Dial connects to a worker address.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	network, address, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}
