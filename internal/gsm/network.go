package gsm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pccr10001/gsmux/internal/dialect"
)

type SimStatus int

const (
	SimError SimStatus = iota
	SimReady
	SimLocked
)

func (s SimStatus) String() string {
	switch s {
	case SimReady:
		return "READY"
	case SimLocked:
		return "LOCKED"
	}
	return "ERROR"
}

type RegStatus int

const (
	RegUnregistered RegStatus = 0
	RegOKHome       RegStatus = 1
	RegSearching    RegStatus = 2
	RegDenied       RegStatus = 3
	RegUnknown      RegStatus = 4
	RegOKRoaming    RegStatus = 5
)

func (r RegStatus) Registered() bool {
	return r == RegOKHome || r == RegOKRoaming
}

func (r RegStatus) String() string {
	switch r {
	case RegUnregistered:
		return "unregistered"
	case RegOKHome:
		return "home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "denied"
	case RegOKRoaming:
		return "roaming"
	}
	return "unknown"
}

// TestAT pokes the modem with a bare AT until it answers OK or timeout passes.
func (m *Modem) TestAT(timeout time.Duration) bool {
	deadline := m.clock.Now().Add(timeout)
	for m.clock.Now().Before(deadline) {
		if m.ping() {
			return true
		}
		m.sleep(100 * time.Millisecond)
	}
	return false
}

func (m *Modem) ping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send(""); err != nil {
		return false
	}
	return m.wait(200*time.Millisecond) == 1
}

// Init brings the modem to a known state and unlocks the SIM when a PIN is given.
func (m *Modem) Init(pin string) error {
	if !m.TestAT(10 * time.Second) {
		return fmt.Errorf("modem not answering: %w", ErrTimeout)
	}

	m.mu.Lock()
	for i, c := range m.d.InitCommands {
		if err := m.command(m.opts.CommandTimeout*10, c); err != nil {
			if i == 0 {
				m.mu.Unlock()
				return err
			}
			m.log.Warnf("init: %v", err)
		}
	}
	m.mu.Unlock()

	status := m.SimStatus(10 * time.Second)
	if status != SimReady && pin != "" {
		if err := m.SimUnlock(pin); err != nil {
			return fmt.Errorf("unlock SIM: %w", err)
		}
		status = m.SimStatus(10 * time.Second)
		if status != SimReady {
			return fmt.Errorf("SIM still %s after unlock: %w", status, ErrRejected)
		}
	}
	if status == SimError {
		return fmt.Errorf("SIM not usable: %w", ErrRejected)
	}
	return nil
}

func (m *Modem) SimUnlock(pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command(m.opts.CommandTimeout, `+CPIN="`, pin, `"`)
}

// SimStatus polls +CPIN? until the modem gives a definite answer or timeout passes.
func (m *Modem) SimStatus(timeout time.Duration) SimStatus {
	deadline := m.clock.Now().Add(timeout)
	for {
		if st, ok := m.simStatusOnce(); ok {
			return st
		}
		if !m.clock.Now().Before(deadline) {
			return SimError
		}
		m.sleep(time.Second)
	}
}

func (m *Modem) simStatusOnce() (SimStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.send("+CPIN?"); err != nil {
		return SimError, false
	}
	if m.wait(m.opts.CommandTimeout, "\r\n+CPIN:", m.d.Error, m.d.CMEError) != 1 {
		return SimError, false
	}
	idx := m.wait(m.opts.CommandTimeout, "READY", "SIM PIN", "SIM PUK")
	m.waitOK(m.opts.CommandTimeout)
	switch idx {
	case 1:
		return SimReady, true
	case 2, 3:
		return SimLocked, true
	}
	return SimError, true
}

func (m *Modem) RegistrationStatus() RegStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := m.d.RegCommand
	line, err := m.reply("\r\n+"+cmd+":", m.opts.CommandTimeout, "+", cmd, "?")
	if err != nil {
		return RegUnknown
	}
	// "<n>,<stat>[,...]"
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return RegUnknown
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return RegUnknown
	}
	return RegStatus(n)
}

func (m *Modem) IsNetworkConnected() bool {
	return m.RegistrationStatus().Registered()
}

// SignalQuality returns the raw +CSQ RSSI, 0..31, or 99 when unknown.
func (m *Modem) SignalQuality() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	line, err := m.reply("\r\n+CSQ:", m.opts.CommandTimeout, "+CSQ")
	if err != nil {
		return 99
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(line, ",", 2)[0]))
	if err != nil {
		return 99
	}
	return rssi
}

// Operator returns the long alphanumeric name of the registered network.
func (m *Modem) Operator() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.command(m.opts.CommandTimeout, "+COPS=3,0"); err != nil {
		m.log.Debugf("set operator format: %v", err)
	}
	line, err := m.reply("\r\n+COPS:", 2*m.opts.CommandTimeout, "+COPS?")
	if err != nil {
		return "", err
	}
	return quoted(line), nil
}

func (m *Modem) IMEI() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, err := m.exchange(m.opts.CommandTimeout, m.d.IMEICommand)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 14 && isDigits(line) {
			return line, nil
		}
	}
	return "", fmt.Errorf("no IMEI in %q: %w", text, ErrRejected)
}

// ModemInfo returns the ATI identification text on one line.
func (m *Modem) ModemInfo() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, err := m.exchange(m.opts.CommandTimeout, "I")
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(text, "\r\n", " ")), " "), nil
}

func (m *Modem) LocalIP() (string, error) {
	if m.d.LocalIP == "" {
		return "", ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.d.LocalIPReply != "" {
		line, err := m.reply(m.d.LocalIPReply, m.opts.CommandTimeout, m.d.LocalIP)
		if err != nil {
			return "", err
		}
		return quoted(line), nil
	}
	text, err := m.exchange(10*time.Second, m.d.LocalIP)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// BearerConnect brings up the packet data context sockets run over.
func (m *Modem) BearerConnect(apn, user, password string) error {
	if len(m.d.Bearer) == 0 {
		return ErrUnsupported
	}
	if err := m.BearerDisconnect(); err != nil {
		m.log.Debugf("bearer teardown before connect: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runSteps(m.d.Bearer, dialect.Params{APN: apn, User: user, Password: password})
}

func (m *Modem) BearerDisconnect() error {
	if len(m.d.BearerDown) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runSteps(m.d.BearerDown, dialect.Params{})
}

func (m *Modem) runSteps(steps []dialect.Step, p dialect.Params) error {
	for _, st := range steps {
		cmd, err := dialect.Render(st.Cmd, p)
		if err != nil {
			return err
		}
		if cmd == "" {
			continue
		}
		if err := m.command(m.d.BearerTimeout, cmd); err != nil {
			if st.Optional {
				m.log.Debugf("bearer: %v", err)
				continue
			}
			return err
		}
	}
	return nil
}

// exchange sends one command and returns the reply text with the final OK removed.
func (m *Modem) exchange(timeout time.Duration, args ...any) (string, error) {
	if err := m.send(args...); err != nil {
		return "", err
	}
	idx, data := m.match.Wait(timeout, m.d.OK, m.d.Error, m.d.CMEError)
	if err := outcome(idx); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimSuffix(string(data), m.d.OK)), nil
}

// quoted returns the first double-quoted field of s, or s trimmed.
func quoted(s string) string {
	parts := strings.Split(s, `"`)
	if len(parts) >= 3 {
		return parts[1]
	}
	return strings.TrimSpace(s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
