// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"context"
	"net"
	"strings"

	"github.com/creachadair/esb/channel"
)

// SplitAddress parses an address string to guess a network type and target.
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. For our purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}

// Listen opens a listener on addr, whose network is chosen by SplitAddress.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	network, address := SplitAddress(addr)
	return lc.Listen(ctx, network, address)
}

// Dial connects to a peer listening at addr, whose network is chosen by
// SplitAddress, and returns a channel for the connection.
func Dial(ctx context.Context, addr string) (channel.IOChannel, error) {
	var d net.Dialer
	network, address := SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return channel.IOChannel{}, err
	}
	return channel.IO(conn, conn), nil
}
