package gsm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/warthog618/sms"
)

// StoredPDU is one message from the SIM inbox in PDU mode.
type StoredPDU struct {
	Index int
	PDU   string
}

// ListPDUs returns every stored message (+CMGL=4) as hex PDUs, SMSC included.
func (m *Modem) ListPDUs() ([]StoredPDU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.command(m.opts.CommandTimeout, "+CMGF=0"); err != nil {
		return nil, err
	}
	text, err := m.exchange(10*time.Second, "+CMGL=4")
	if err != nil {
		return nil, err
	}

	var out []StoredPDU
	index := -1
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "+CMGL:"):
			// +CMGL: <index>,<stat>,[<alpha>],<length>
			f := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "+CMGL:")), ",", 2)
			index, err = strconv.Atoi(f[0])
			if err != nil {
				index = -1
			}
		default:
			out = append(out, StoredPDU{Index: index, PDU: line})
			index = -1
		}
	}
	return out, nil
}

func (m *Modem) DeleteSMS(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command(5*time.Second, "+CMGD=", index)
}

// DeleteAllSMS empties the message store.
func (m *Modem) DeleteAllSMS() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command(5*time.Second, "+CMGD=1,4")
}

// SendSMS encodes text into one or more SMS-SUBMIT PDUs and sends them in
// PDU mode using the default service centre.
func (m *Modem) SendSMS(number, text string) error {
	pdus, err := sms.Encode([]byte(text), sms.To(number))
	if err != nil {
		return fmt.Errorf("encode sms: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.command(m.opts.CommandTimeout, "+CMGF=0"); err != nil {
		return err
	}
	for i, p := range pdus {
		b, err := p.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal pdu %d: %w", i, err)
		}
		if err := m.send("+CMGS=", len(b)); err != nil {
			return err
		}
		if err := outcome(m.wait(5*time.Second, ">", m.d.Error, m.d.CMEError)); err != nil {
			return fmt.Errorf("sms prompt: %w", err)
		}
		// "00": use the SMSC stored on the SIM
		payload := "00" + strings.ToUpper(hex.EncodeToString(b)) + "\x1a"
		if err := atchan.WriteAll(m.s, []byte(payload)); err != nil {
			return err
		}
		if err := m.s.Flush(); err != nil {
			return err
		}
		if err := m.waitOK(60 * time.Second); err != nil {
			return fmt.Errorf("sms part %d of %d: %w", i+1, len(pdus), err)
		}
	}
	return nil
}
