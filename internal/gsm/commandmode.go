package gsm

import (
	"fmt"

	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/dialect"
	"go.uber.org/multierr"
)

// EnterCommandMode leaves transparent mode with the dialect's escape
// sequence. The line must stay quiet for one guard time before the escape.
func (m *Modem) EnterCommandMode(retries int) error {
	if m.d.GuardTime <= 0 {
		return ErrUnsupported
	}
	if retries < 1 {
		retries = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drain()
	for i := 0; i < retries; i++ {
		m.sleep(m.d.GuardTime)
		if err := atchan.WriteAll(m.s, []byte(m.d.Escape)); err != nil {
			return err
		}
		if err := m.s.Flush(); err != nil {
			return err
		}
		if m.wait(2*m.d.GuardTime) == 1 {
			return nil
		}
	}
	return fmt.Errorf("command mode: %w", ErrTimeout)
}

func (m *Modem) ExitCommandMode() error {
	if m.d.GuardTime <= 0 {
		return ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command(m.opts.CommandTimeout, m.d.ExitCommand)
}

// CommandModeSetup escapes to command mode, runs the dialect's setup steps
// and leaves command mode again. The exit is sent even when a step fails.
func (m *Modem) CommandModeSetup(apn, user, password string, retries int) error {
	if err := m.EnterCommandMode(retries); err != nil {
		return err
	}
	m.mu.Lock()
	err := m.runSteps(m.d.CommandSetup, dialect.Params{APN: apn, User: user, Password: password})
	m.mu.Unlock()
	return multierr.Append(err, m.ExitCommandMode())
}
