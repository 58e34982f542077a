// Package gsm drives a cellular modem over one AT command stream and
// multiplexes several TCP sockets on top of it.
//
// Every command cycle (write a command, wait for its terminal token) runs
// under Modem.mu, so exactly one command is pending at a time. Unsolicited
// notifications that arrive during any cycle are applied to the socket
// registry by the Matcher before the wait resumes.
package gsm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/pccr10001/gsmux/internal/metrics"
	"github.com/pccr10001/gsmux/pkg/logger"
	"go.uber.org/zap"
)

type Options struct {
	// RxBufferSize is the receive ring capacity of every socket.
	RxBufferSize int

	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	PromptTimeout  time.Duration
	ConfirmTimeout time.Duration
	// MaintainTimeout is how long one drain pass listens for notifications.
	MaintainTimeout time.Duration
	// FieldTimeout bounds each byte read while parsing a reply or notification body.
	FieldTimeout time.Duration
	// ReadTimeout is the default blocking time of Socket.Read.
	ReadTimeout time.Duration

	Clock  clock.Clock
	Logger *zap.SugaredLogger

	// OnPeerClosed runs inside a command cycle when the far side closes a
	// connected socket. It must not call back into the Modem.
	OnPeerClosed func(mux int)
}

func (o Options) withDefaults() Options {
	if o.RxBufferSize <= 0 {
		o.RxBufferSize = 256
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 75 * time.Second
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = 2 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 10 * time.Second
	}
	if o.MaintainTimeout <= 0 {
		o.MaintainTimeout = 10 * time.Millisecond
	}
	if o.FieldTimeout <= 0 {
		o.FieldTimeout = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logger.Log
	}
	return o
}

type Modem struct {
	mu sync.Mutex

	s     atchan.Stream
	d     dialect.Dialect
	reg   *Registry
	match *Matcher
	opts  Options
	clock clock.Clock
	log   *zap.SugaredLogger
}

func New(s atchan.Stream, d dialect.Dialect, opts Options) (*Modem, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	m := &Modem{
		s:     s,
		d:     d,
		reg:   NewRegistry(d.MuxCount, opts.RxBufferSize),
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
	}
	m.match = NewMatcher(s, &m.d, m.reg, opts.Clock, opts.Logger)
	m.match.fieldTimeout = opts.FieldTimeout
	m.match.onClosed = opts.OnPeerClosed
	return m, nil
}

func (m *Modem) Dialect() dialect.Dialect { return m.d }

// Sockets returns a snapshot of every live registry record.
func (m *Modem) Sockets() []SocketInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Snapshot()
}

// Maintain runs one drain pass so pending notifications are applied.
func (m *Modem) Maintain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintainLocked()
}

// Exec sends a raw command and returns the reply text without the final OK.
// A leading "AT" is optional.
func (m *Modem) Exec(cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}
	cmd = strings.TrimSpace(cmd)
	if len(cmd) >= 2 && strings.EqualFold(cmd[:2], "AT") {
		cmd = cmd[2:]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchange(timeout, cmd)
}

// send frames and flushes one command. Caller holds m.mu.
func (m *Modem) send(args ...any) error {
	if err := atchan.WriteCommand(m.s, m.d.Terminator, args...); err != nil {
		return err
	}
	metrics.Commands.WithLabelValues(m.d.Name).Inc()
	m.log.Debugf("TX: %q", strings.TrimSpace(string(atchan.Frame("", args...))))
	return nil
}

// sendTemplate renders a dialect command template and sends it.
func (m *Modem) sendTemplate(tmpl string, p dialect.Params) error {
	cmd, err := dialect.Render(tmpl, p)
	if err != nil {
		return err
	}
	return m.send(cmd)
}

// wait is Matcher.Wait without the data. With no tokens it uses the
// dialect's OK, ERROR and structured error tokens.
func (m *Modem) wait(timeout time.Duration, tokens ...string) int {
	if len(tokens) == 0 {
		tokens = []string{m.d.OK, m.d.Error, m.d.CMEError}
	}
	idx, _ := m.match.Wait(timeout, tokens...)
	return idx
}

func (m *Modem) waitOK(timeout time.Duration) error {
	return outcome(m.wait(timeout))
}

// command sends one command and waits for OK.
func (m *Modem) command(timeout time.Duration, args ...any) error {
	if err := m.send(args...); err != nil {
		return err
	}
	if err := m.waitOK(timeout); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(atchan.Frame("", args...))), err)
	}
	return nil
}

// reply sends a command and waits for a reply line starting with prefix,
// returning the rest of that line. The trailing OK is consumed.
func (m *Modem) reply(prefix string, timeout time.Duration, args ...any) (string, error) {
	if err := m.send(args...); err != nil {
		return "", err
	}
	idx := m.wait(timeout, prefix, m.d.Error, m.d.CMEError)
	if err := outcome(idx); err != nil {
		return "", err
	}
	line, _ := m.match.readUntil('\n')
	m.waitOK(m.opts.CommandTimeout)
	return strings.TrimSpace(line), nil
}

// drain drops stray bytes left by an abandoned wait.
func (m *Modem) drain() {
	if n := atchan.Drain(m.s); n > 0 {
		m.log.Debugf("drained %d stray bytes", n)
	}
}

func (m *Modem) sleep(d time.Duration) {
	if d > 0 {
		m.clock.Sleep(d)
	}
}
