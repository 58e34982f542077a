package gsm

import (
	"fmt"
	"time"

	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/pccr10001/gsmux/internal/metrics"
)

// Socket command flows. Every function here expects m.mu to be held.

// connectLocked opens a TCP connection and installs its record.
// requested is only honoured by dialects where the host picks the slot;
// a negative value picks any free slot.
func (m *Modem) connectLocked(host string, port, requested int, secure bool, timeout time.Duration) (int, uint64, error) {
	sc := m.d.Socket
	if secure && sc.Secure == "" {
		return -1, 0, ErrSecureUnsupported
	}
	if timeout <= 0 {
		timeout = m.opts.ConnectTimeout
	}

	p := dialect.Params{Mux: -1, Host: host, Port: port, Secure: secure}
	if m.d.MuxPolicy == dialect.MuxPreassigned {
		if requested < 0 {
			free, err := m.reg.Free()
			if err != nil {
				return -1, 0, err
			}
			requested = free
		}
		if !m.reg.inRange(requested) {
			return -1, 0, ErrBadMux
		}
		if rec := m.reg.Lookup(requested); rec != nil && rec.Connected {
			return -1, 0, ErrSlotBusy
		}
		p.Mux = requested
	}

	created := false
	abandon := func(err error) (int, uint64, error) {
		if IsTimeout(err) {
			m.drain()
		}
		if created {
			// the modem allocated a socket we will never use
			if m.sendTemplate(sc.Close, p) == nil {
				m.wait(m.opts.CommandTimeout)
			}
		}
		m.log.Warnf("connect %s:%d failed: %v", host, port, err)
		return -1, 0, err
	}

	if sc.Create != "" {
		if err := m.sendTemplate(sc.Create, p); err != nil {
			return -1, 0, err
		}
		if err := outcome(m.wait(m.opts.CommandTimeout, sc.CreateReply, m.d.Error, m.d.CMEError)); err != nil {
			return abandon(fmt.Errorf("create socket: %w", err))
		}
		p.Mux = m.match.readInt('\n')
		m.waitOK(m.opts.CommandTimeout)
		if !m.reg.inRange(p.Mux) {
			return abandon(fmt.Errorf("create socket: modem assigned %d: %w", p.Mux, ErrBadMux))
		}
		created = true
	}

	if secure {
		if err := m.sendTemplate(sc.Secure, p); err != nil {
			return abandon(err)
		}
		if err := m.waitOK(m.opts.CommandTimeout); err != nil {
			return abandon(fmt.Errorf("secure socket %d: %w", p.Mux, err))
		}
	}

	if err := m.sendTemplate(sc.Open, p); err != nil {
		return abandon(err)
	}
	if sc.OpenReply != "" {
		if err := outcome(m.wait(timeout, sc.OpenReply, m.d.Error, m.d.CMEError)); err != nil {
			return abandon(fmt.Errorf("open: %w", err))
		}
		p.Mux = m.match.readInt('\n')
		if !m.reg.inRange(p.Mux) {
			return abandon(fmt.Errorf("open: modem assigned %d: %w", p.Mux, ErrBadMux))
		}
	}

	tokens := append(append([]string(nil), sc.Connected...), sc.Failed...)
	idx := m.wait(timeout, tokens...)
	if idx == 0 {
		return abandon(fmt.Errorf("open: %w", ErrTimeout))
	}
	if idx > len(sc.Connected) {
		if sc.ConfirmOK {
			m.wait(m.opts.CommandTimeout)
		}
		return abandon(fmt.Errorf("open: %w", ErrRejected))
	}

	// Install before the trailing confirmation so payload pushed right
	// after the connect reply lands in the new buffer.
	rec, gen, err := m.reg.Install(p.Mux)
	if err != nil {
		return abandon(err)
	}
	if sc.ConfirmOK {
		if err := m.waitOK(m.opts.CommandTimeout); err != nil {
			m.reg.Release(p.Mux, gen)
			created = false
			return abandon(fmt.Errorf("open confirm: %w", err))
		}
	}

	m.log.Infof("mux %d connected to %s:%d", rec.Mux, host, port)
	m.sleep(sc.Settle)
	m.maintainLocked()
	return rec.Mux, gen, nil
}

// sendLocked transmits one chunk and returns how many bytes the modem accepted.
func (m *Modem) sendLocked(rec *Record, data []byte) (int, error) {
	sc := m.d.Socket
	p := dialect.Params{Mux: rec.Mux, Len: len(data)}
	if err := m.sendTemplate(sc.Send, p); err != nil {
		return 0, err
	}
	idx := m.wait(m.opts.PromptTimeout, sc.SendPrompt, m.d.Error, m.d.CMEError)
	if err := outcome(idx); err != nil {
		if idx == 0 {
			m.drain()
		}
		return 0, fmt.Errorf("mux %d send prompt: %w", rec.Mux, err)
	}
	m.sleep(sc.SendDelay)

	if err := atchan.WriteAll(m.s, data); err != nil {
		return 0, err
	}
	if err := m.s.Flush(); err != nil {
		return 0, err
	}

	var sent int
	if sc.SendConfirm != "" {
		idx = m.wait(m.opts.ConfirmTimeout, sc.SendConfirm, sc.SendFail, m.d.Error, m.d.CMEError)
		if err := outcome(idx); err != nil {
			return 0, fmt.Errorf("mux %d send: %w", rec.Mux, err)
		}
		m.match.skipUntil(',')
		sent = m.match.readInt('\n')
		m.waitOK(m.opts.CommandTimeout)
		if sent < 0 {
			sent = 0
		}
		if sent > len(data) {
			sent = len(data)
		}
	} else {
		idx = m.wait(m.opts.ConfirmTimeout, sc.SendAccepted, sc.SendFail, m.d.Error, m.d.CMEError)
		if err := outcome(idx); err != nil {
			return 0, fmt.Errorf("mux %d send: %w", rec.Mux, err)
		}
		sent = len(data)
	}
	metrics.SocketBytes.WithLabelValues(m.d.Name, "tx").Add(float64(sent))
	return sent, nil
}

// closeLocked disconnects the socket. Bytes already buffered stay readable.
func (m *Modem) closeLocked(rec *Record) error {
	sc := m.d.Socket
	if m.d.Polls() {
		// pull what the modem still holds before the socket goes away
		if rec.Connected {
			m.pollLocked(rec)
		}
		if sc.Status != "" && !m.socketStatus(rec) {
			rec.Connected = false
			return nil
		}
	}
	defer func() { rec.Connected = false }()
	if err := m.sendTemplate(sc.Close, dialect.Params{Mux: rec.Mux}); err != nil {
		return err
	}
	if err := m.waitOK(m.opts.CommandTimeout); err != nil {
		return fmt.Errorf("close mux %d: %w", rec.Mux, err)
	}
	return nil
}

// maintainLocked is one drain pass: poll sockets flagged as having data,
// then listen briefly so inline notifications get applied.
func (m *Modem) maintainLocked() {
	if m.d.Polls() {
		for i := range m.reg.records {
			rec := &m.reg.records[i]
			if rec.live && rec.gotData {
				rec.gotData = false
				m.pollLocked(rec)
			}
		}
	}
	m.match.Wait(m.opts.MaintainTimeout)
}

// serviceLocked drains on behalf of one socket. Poll dialects get an
// explicit availability check at most once per poll interval.
func (m *Modem) serviceLocked(rec *Record) {
	if m.d.Polls() {
		now := m.clock.Now()
		if rec.lastCheck.IsZero() || now.Sub(rec.lastCheck) >= m.d.Socket.PollInterval {
			rec.gotData = true
			rec.lastCheck = now
		}
	}
	m.maintainLocked()
}

// pollLocked asks how much data waits on the modem and pulls what fits.
func (m *Modem) pollLocked(rec *Record) {
	n := m.queryAvailable(rec)
	if n <= 0 || rec.RX.Free() == 0 {
		return
	}
	m.pull(rec, min(n, rec.RX.Free()))
}

func (m *Modem) queryAvailable(rec *Record) int {
	sc := m.d.Socket
	if err := m.sendTemplate(sc.Available, dialect.Params{Mux: rec.Mux}); err != nil {
		return 0
	}
	idx := m.wait(m.opts.CommandTimeout, sc.AvailableReply, m.d.Error, m.d.CMEError)
	switch idx {
	case 1:
	case 0:
		return 0
	default:
		// querying a socket the modem already closed is an error
		rec.Connected = false
		rec.AvailableHint = 0
		return 0
	}
	m.match.skipUntil(',')
	n := m.match.readInt('\n')
	m.waitOK(m.opts.CommandTimeout)
	if n < 0 {
		n = 0
	}
	rec.AvailableHint = n
	if n == 0 && rec.Connected && sc.Status != "" {
		rec.Connected = m.socketStatus(rec)
	}
	return n
}

// pull reads up to size bytes with an explicit read command.
func (m *Modem) pull(rec *Record, size int) int {
	sc := m.d.Socket
	if err := m.sendTemplate(sc.Read, dialect.Params{Mux: rec.Mux, Len: size}); err != nil {
		return 0
	}
	if m.wait(m.opts.CommandTimeout, sc.ReadReply, m.d.Error, m.d.CMEError) != 1 {
		if sc.Status != "" {
			rec.Connected = m.socketStatus(rec)
		}
		return 0
	}
	m.match.skipUntil(',')
	n := m.match.readInt(',')
	m.match.skipUntil('"')
	stored, dropped := 0, 0
	for i := 0; i < n; i++ {
		b, ok := m.match.readByte()
		if !ok {
			m.log.Warnf("mux %d: read reply cut short at %d of %d bytes", rec.Mux, i, n)
			break
		}
		if rec.RX.Put(b) {
			stored++
		} else {
			dropped++
		}
	}
	m.match.skipUntil('"')
	m.waitOK(m.opts.CommandTimeout)

	metrics.SocketBytes.WithLabelValues(m.d.Name, "rx").Add(float64(stored))
	if dropped > 0 {
		metrics.DroppedBytes.WithLabelValues(m.d.Name).Add(float64(dropped))
	}
	m.log.Debugf("read %d bytes from mux %d", stored, rec.Mux)
	m.queryAvailable(rec)
	return stored
}

// socketStatus reports whether the modem still considers the socket open.
func (m *Modem) socketStatus(rec *Record) bool {
	sc := m.d.Socket
	if err := m.sendTemplate(sc.Status, dialect.Params{Mux: rec.Mux}); err != nil {
		return rec.Connected
	}
	if m.wait(m.opts.CommandTimeout, sc.StatusReply, m.d.CMEError, m.d.Error) != 1 {
		return false
	}
	m.match.skipUntil(',') // mux
	m.match.skipUntil(',') // parameter id
	state := m.match.readInt('\n')
	m.waitOK(m.opts.CommandTimeout)
	return state > 0
}
