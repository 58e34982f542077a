package atchan

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/gsmux/internal/ringbuf"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// Port is the raw transport under a Channel. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	Drain() error
}

const defaultChannelBuffer = 4096

type Option func(*Channel)

func WithClock(c clock.Clock) Option {
	return func(ch *Channel) { ch.clock = c }
}

// WithBufferSize sets how many inbound bytes may wait for the matcher before
// the reader stops pulling from the port.
func WithBufferSize(n int) Option {
	return func(ch *Channel) { ch.rx = ringbuf.New(n) }
}

// Channel adapts a Port to a Stream. A single reader goroutine owns
// port reads and hands bytes over through a bounded buffer, so the
// matcher never blocks inside the driver.
type Channel struct {
	port  Port
	clock clock.Clock

	mu  sync.Mutex
	rx  *ringbuf.Ring
	err error

	ready     chan struct{}
	space     chan struct{}
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func NewChannel(port Port, opts ...Option) *Channel {
	c := &Channel{
		port:   port,
		clock:  clock.New(),
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rx == nil {
		c.rx = ringbuf.New(defaultChannelBuffer)
	}
	go c.pump()
	return c
}

// OpenSerial opens a serial device and wraps it in a Channel.
// readTimeout bounds each driver read so the reader notices Close.
func OpenSerial(name string, baud int, readTimeout time.Duration, opts ...Option) (*Channel, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
		}
	}
	return NewChannel(port, opts...), nil
}

func (c *Channel) pump() {
	defer close(c.exited)
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if n > 0 && !c.push(buf[:n]) {
			return
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			signal(c.ready)
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// push stores p, waiting for the consumer whenever the buffer is full.
func (c *Channel) push(p []byte) bool {
	for len(p) > 0 {
		c.mu.Lock()
		k := c.rx.Write(p)
		c.mu.Unlock()
		p = p[k:]
		if k > 0 {
			signal(c.ready)
		}
		if len(p) == 0 {
			break
		}
		select {
		case <-c.space:
		case <-c.done:
			return false
		}
	}
	return true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Channel) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}
	return c.port.Write(p)
}

func (c *Channel) Flush() error {
	return c.port.Drain()
}

func (c *Channel) Next() (byte, bool) {
	c.mu.Lock()
	var one [1]byte
	n := c.rx.Read(one[:])
	c.mu.Unlock()
	if n == 0 {
		return 0, false
	}
	signal(c.space)
	return one[0], true
}

func (c *Channel) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx.Len()
}

func (c *Channel) Wait(d time.Duration) bool {
	if c.Available() > 0 {
		return true
	}
	if d <= 0 {
		return false
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-c.ready:
		return c.Available() > 0
	case <-t.C:
		return false
	case <-c.done:
		return false
	}
}

// Err reports why the reader stopped, if it has.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the reader goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.exited
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = multierr.Append(err, c.port.Close())
	})
	return err
}
