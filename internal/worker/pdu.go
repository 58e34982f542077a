package worker

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/tpdu"
)

// DecodedSMS is the readable part of a stored PDU.
type DecodedSMS struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// DecodePDU decodes a hex PDU as listed by +CMGL in PDU mode, SMSC header
// included. A PDU that parses but whose user data does not decode still
// yields a DecodedSMS carrying a placeholder text and a non-nil error.
func DecodePDU(raw string) (DecodedSMS, error) {
	out := DecodedSMS{Timestamp: time.Now()}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return out, fmt.Errorf("decode hex PDU: %w", err)
	}

	// first octet is the SMSC field length
	if len(b) > 0 {
		smscLen := int(b[0])
		if len(b) > smscLen+1 {
			b = b[smscLen+1:]
		}
	}

	msg, err := sms.Unmarshal(b)
	if err != nil {
		out.Content = fmt.Sprintf("Failed to decode PDU: %s", raw)
		return out, fmt.Errorf("decode TPDU: %w", err)
	}

	if msg.SmsType() == tpdu.SmsDeliver {
		out.Sender = msg.OA.Number()
		if !msg.SCTS.Time.IsZero() {
			out.Timestamp = msg.SCTS.Time
		}
	}

	alphabet, err := msg.DCS.Alphabet()
	if err != nil {
		out.Content = fmt.Sprintf("Decode Failed (DCS: 0x%02X)", msg.DCS)
		return out, err
	}
	ud, err := tpdu.DecodeUserData(msg.UD, msg.UDH, alphabet)
	if err != nil {
		out.Content = fmt.Sprintf("Decode Failed (DCS: 0x%02X)", msg.DCS)
		return out, err
	}
	out.Content = string(ud)
	if out.Content == "" && len(msg.UD) > 0 {
		out.Content = fmt.Sprintf("UD Hex: %X", msg.UD)
	}
	return out, nil
}
