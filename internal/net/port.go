package net

import (
	"fmt"
	"net"
)

// ListenLoopbackTCP binds an OS-assigned port on the IPv4 loopback interface and returns the listener with its port.
// Holding the listener, rather than closing it and reusing the port number, keeps another process from grabbing the port
// before the renderer connects to it.
func ListenLoopbackTCP() (*net.TCPListener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
