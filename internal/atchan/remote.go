package atchan

import (
	"fmt"
	"net"
	"time"
)

// netPort adapts a TCP connection to a serial bridge (ser2net and the like).
// Writes go straight to the socket, so there is nothing to drain.
type netPort struct {
	net.Conn
}

func (netPort) Drain() error { return nil }

// DialTCP connects to a raw serial-over-TCP bridge and wraps it in a Channel.
func DialTCP(addr string, timeout time.Duration, opts ...Option) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewChannel(netPort{conn}, opts...), nil
}
