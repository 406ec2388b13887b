// Package net has networking helpers for tests and the mock service.
package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPAddr reserves an ephemeral loopback port and returns it as
// a host:port address. The listener used to pick the port is closed before
// returning, so the caller can bind the address, release it, and bind it
// again, which is how a restartable service keeps a stable address.
func GetEphemeralTCPAddr() (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
