package gsm

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/pccr10001/gsmux/internal/metrics"
	"go.uber.org/zap"
)

// MaxTokens is how many terminal tokens a single wait considers.
const MaxTokens = 5

// accumulator bound; tokens and prefixes are far shorter than the tail kept
const (
	maxAccumulated  = 4096
	keepAccumulated = 512
)

// Matcher is the only consumer of inbound bytes. It scans for terminal
// tokens and, on the way, applies inline notifications to the registry.
type Matcher struct {
	s     atchan.Stream
	d     *dialect.Dialect
	reg   *Registry
	clock clock.Clock
	log   *zap.SugaredLogger

	// fieldTimeout bounds each byte read while parsing a notification body.
	fieldTimeout time.Duration
	onClosed     func(mux int)

	acc []byte
}

func NewMatcher(s atchan.Stream, d *dialect.Dialect, reg *Registry, clk clock.Clock, log *zap.SugaredLogger) *Matcher {
	return &Matcher{
		s:            s,
		d:            d,
		reg:          reg,
		clock:        clk,
		log:          log,
		fieldTimeout: time.Second,
		acc:          make([]byte, 0, 64),
	}
}

// Wait scans inbound bytes until the accumulated text ends with one of
// tokens or timeout elapses. It returns the 1-based index of the first
// matching token in priority order and the text accumulated up to and
// including the match, or 0 and nil on timeout. Empty tokens never match
// and only the first MaxTokens are considered.
func (m *Matcher) Wait(timeout time.Duration, tokens ...string) (int, []byte) {
	if len(tokens) > MaxTokens {
		tokens = tokens[:MaxTokens]
	}
	m.acc = m.acc[:0]
	deadline := m.clock.Now().Add(timeout)
	for {
		for {
			b, ok := m.s.Next()
			if !ok {
				break
			}
			if b == 0 {
				continue
			}
			m.push(b)
			for i, tok := range tokens {
				if tok == "" || !hasSuffix(m.acc, tok) {
					continue
				}
				if tok == m.d.CMEError {
					// the diagnostic code stays on the line; consume it
					m.skipUntil('\n')
				}
				data := append([]byte(nil), m.acc...)
				m.acc = m.acc[:0]
				metrics.Waits.WithLabelValues(m.d.Name, "matched").Inc()
				return i + 1, data
			}
			if m.notice() {
				m.acc = m.acc[:0]
			}
		}
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			break
		}
		m.s.Wait(remaining)
	}

	if len(tokens) > 0 {
		metrics.Waits.WithLabelValues(m.d.Name, "timeout").Inc()
	}
	if rest := bytes.TrimSpace(m.acc); len(rest) > 0 {
		metrics.UnmatchedBytes.WithLabelValues(m.d.Name).Add(float64(len(m.acc)))
		m.log.Debugf("unhandled: %q", rest)
	}
	m.acc = m.acc[:0]
	return 0, nil
}

func (m *Matcher) push(b byte) {
	if len(m.acc) >= maxAccumulated {
		n := copy(m.acc, m.acc[len(m.acc)-keepAccumulated:])
		m.acc = m.acc[:n]
	}
	m.acc = append(m.acc, b)
}

func hasSuffix(acc []byte, tok string) bool {
	if len(tok) > len(acc) {
		return false
	}
	return string(acc[len(acc)-len(tok):]) == tok
}

// notice handles a notification whose prefix ends the accumulator.
func (m *Matcher) notice() bool {
	d := m.d
	switch {
	case d.DataPrefix != "" && hasSuffix(m.acc, d.DataPrefix):
		m.inlineData()
	case d.DataHint != "" && hasSuffix(m.acc, d.DataHint):
		m.dataHint()
	case d.ClosedPrefix != "" && hasSuffix(m.acc, d.ClosedPrefix):
		m.peerClosed()
	default:
		return false
	}
	return true
}

// inlineData reads "<mux>,<len>,<payload>" and always consumes len payload
// bytes, storing what fits into a connected socket's buffer.
func (m *Matcher) inlineData() {
	metrics.Notices.WithLabelValues(m.d.Name, "data").Inc()
	mux := m.readInt(',')
	n := m.readInt(',')
	if n < 0 {
		m.log.Warnf("malformed data notice for mux %d", mux)
		return
	}

	rec := m.reg.Lookup(mux)
	accept := rec != nil && rec.Connected
	stored, dropped := 0, 0
	put := func(b byte) {
		if accept && rec.RX.Put(b) {
			stored++
		} else {
			dropped++
		}
	}

	remaining := n
	if m.d.DataQuoted && remaining > 0 {
		b, ok := m.readByte()
		if !ok {
			m.log.Warnf("mux %d: payload of %d bytes never arrived", mux, n)
			return
		}
		if b != '"' {
			put(b)
			remaining--
		}
	}
	for ; remaining > 0; remaining-- {
		b, ok := m.readByte()
		if !ok {
			m.log.Warnf("mux %d: payload cut short, %d of %d bytes missing", mux, remaining, n)
			break
		}
		put(b)
	}

	metrics.SocketBytes.WithLabelValues(m.d.Name, "rx").Add(float64(stored))
	if dropped > 0 {
		metrics.DroppedBytes.WithLabelValues(m.d.Name).Add(float64(dropped))
		switch {
		case rec == nil:
			m.log.Debugf("dropped %d bytes for unregistered mux %d", dropped, mux)
		case !rec.Connected:
			m.log.Debugf("dropped %d bytes for closed mux %d", dropped, mux)
		default:
			m.log.Warnf("mux %d: buffer overflow, dropped %d of %d bytes", mux, dropped, n)
		}
	}
}

// dataHint reads "<mux>,<len>" announcing bytes waiting on the modem.
func (m *Matcher) dataHint() {
	metrics.Notices.WithLabelValues(m.d.Name, "hint").Inc()
	mux := m.readInt(',')
	n := m.readInt('\n')
	if rec := m.reg.Lookup(mux); rec != nil {
		rec.gotData = true
		if n >= 0 {
			rec.AvailableHint = n
		}
	}
	m.log.Debugf("data waiting on mux %d: %d", mux, n)
}

func (m *Matcher) peerClosed() {
	metrics.Notices.WithLabelValues(m.d.Name, "closed").Inc()
	mux := m.readInt('\n')
	rec := m.reg.Lookup(mux)
	if rec == nil {
		return
	}
	wasConnected := rec.Connected
	rec.Connected = false
	m.log.Debugf("mux %d closed by peer", mux)
	if wasConnected && m.onClosed != nil {
		m.onClosed(mux)
	}
}

// readByte pulls one byte, waiting up to the field timeout.
func (m *Matcher) readByte() (byte, bool) {
	deadline := m.clock.Now().Add(m.fieldTimeout)
	for {
		if b, ok := m.s.Next(); ok {
			return b, true
		}
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return 0, false
		}
		m.s.Wait(remaining)
	}
}

// readUntil returns the bytes before delim. ok is false if the field timed out.
func (m *Matcher) readUntil(delim byte) (string, bool) {
	var b []byte
	for {
		c, ok := m.readByte()
		if !ok {
			return string(b), false
		}
		if c == delim {
			return string(b), true
		}
		b = append(b, c)
	}
}

func (m *Matcher) skipUntil(delim byte) bool {
	for {
		c, ok := m.readByte()
		if !ok {
			return false
		}
		if c == delim {
			return true
		}
	}
}

// readInt parses the field before delim as a decimal integer, or -1.
func (m *Matcher) readInt(delim byte) int {
	s, _ := m.readUntil(delim)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}
