package gsm

import (
	"fmt"
	"io"
	"time"
)

type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Socket is one TCP connection multiplexed over the modem.
// A Socket is not safe for concurrent use; different sockets are.
type Socket struct {
	m           *Modem
	mux         int
	gen         uint64
	secure      bool
	state       State
	readTimeout time.Duration
}

// NewSocket returns an unconnected socket. mux selects the slot on dialects
// where the host assigns ids; -1 means any free slot.
func (m *Modem) NewSocket(mux int) *Socket {
	return &Socket{m: m, mux: mux, readTimeout: m.opts.ReadTimeout}
}

// NewSecureSocket is NewSocket with the dialect's secure step enabled on connect.
func (m *Modem) NewSecureSocket(mux int) *Socket {
	s := m.NewSocket(mux)
	s.secure = true
	return s
}

// Mux is the id the modem assigned on the last successful connect.
func (s *Socket) Mux() int { return s.mux }

func (s *Socket) SetReadTimeout(d time.Duration) {
	if d > 0 {
		s.readTimeout = d
	}
}

// record returns this socket's registry record, or nil once another
// connect has taken the slot. Caller holds s.m.mu.
func (s *Socket) record() *Record {
	if s.gen == 0 {
		return nil
	}
	return s.m.reg.Owned(s.mux, s.gen)
}

// Connect opens a connection to host:port. A timeout of zero uses the modem default.
func (s *Socket) Connect(host string, port int, timeout time.Duration) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	requested := s.mux
	rec := s.record()
	switch {
	case rec != nil && rec.Connected:
		if err := m.closeLocked(rec); err != nil {
			m.log.Debugf("closing mux %d before reconnect: %v", rec.Mux, err)
		}
	case rec == nil && s.gen != 0:
		// our old slot belongs to someone else now
		requested = -1
	}

	prev := s.state
	s.state = StateConnecting
	mux, gen, err := m.connectLocked(host, port, requested, s.secure, timeout)
	if err != nil {
		s.state = prev
		return err
	}
	s.mux, s.gen = mux, gen
	s.state = StateConnected
	return nil
}

// Send transmits one chunk and returns the count the modem accepted, which
// may be less than len(p). The remainder is safe to resend.
func (s *Socket) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := s.record()
	if rec == nil {
		return 0, ErrStale
	}
	if !rec.Connected {
		return 0, ErrNotConnected
	}
	return m.sendLocked(rec, p)
}

// Write sends all of p, resending the remainder after short sends.
func (s *Socket) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.Send(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, ErrWriteStalled
		}
	}
	return written, nil
}

// Read copies buffered bytes into p. When nothing is buffered and the
// socket is connected it drains the channel until data arrives or the read
// timeout passes. It returns io.EOF once the socket is closed and drained.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	m := s.m
	deadline := m.clock.Now().Add(s.readTimeout)
	for {
		n, done, err := s.readOnce(p, deadline)
		if done {
			return n, err
		}
	}
}

// readOnce is one locked pass of Read so other sockets can interleave.
func (s *Socket) readOnce(p []byte, deadline time.Time) (int, bool, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := s.record()
	if rec == nil {
		return 0, true, ErrStale
	}
	if n := rec.RX.Read(p); n > 0 {
		return n, true, nil
	}
	if !rec.Connected {
		return 0, true, io.EOF
	}
	if !m.clock.Now().Before(deadline) {
		return 0, true, ErrTimeout
	}
	m.serviceLocked(rec)
	if n := rec.RX.Read(p); n > 0 {
		return n, true, nil
	}
	return 0, false, nil
}

// Available returns the number of buffered bytes. If there are none and the
// socket is connected it runs one drain pass first.
func (s *Socket) Available() int {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := s.record()
	if rec == nil {
		return 0
	}
	if rec.RX.Len() == 0 && rec.Connected {
		m.serviceLocked(rec)
	}
	return rec.RX.Len()
}

// Connected reports whether unread bytes remain or the connection is still up.
func (s *Socket) Connected() bool {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := s.record()
	if rec == nil {
		return false
	}
	return rec.RX.Len() > 0 || rec.Connected
}

func (s *Socket) State() State {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state == StateConnected {
		if rec := s.record(); rec == nil || !rec.Connected {
			s.state = StateClosed
		}
	}
	return s.state
}

// Close disconnects. Unread bytes stay available to Read.
func (s *Socket) Close() error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := s.record()
	if rec == nil {
		return ErrStale
	}
	s.state = StateClosed
	if !rec.Connected {
		return nil
	}
	return m.closeLocked(rec)
}
