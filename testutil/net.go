/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"fmt"
	"net"
	"time"
)

// GetLocalAddrWithFreeTCPPort returns a 127.0.0.1:<port> address with a port that is free at the moment of the call.
func GetLocalAddrWithFreeTCPPort() string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer func() { _ = listener.Close() }()
	return listener.Addr().String()
}

// WaitListeningServer waits until a TCP connection to addr can be established.
func WaitListeningServer(addr string, timeout time.Duration) error {
	return waitDial("tcp", addr, timeout)
}

// WaitListeningServerWithUnixSocket waits until a connection to the unix socket can be established.
func WaitListeningServerWithUnixSocket(path string, timeout time.Duration) error {
	return waitDial("unix", path, timeout)
}

func waitDial(network, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout(network, addr, time.Second)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server is not listening on %s %s after %s: %w", network, addr, timeout, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
