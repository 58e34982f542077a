package gsm

import (
	"encoding/hex"
	"strconv"
	"strings"
	"testing"

	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/sms"
)

func TestListPDUs(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.
		expect("AT+CMGF=0\r\n", "\r\nOK\r\n").
		expect("AT+CMGL=4\r\n",
			"\r\n+CMGL: 1,1,,24\r\n07911326040000F0040B911346610089F60000208062917314080CC8F71D14969741F977FD07\r\n"+
				"+CMGL: 4,0,,5\r\n0011000B916407281553F80000AA0AE8329BFD4697D9EC37\r\n\r\nOK\r\n")
	pdus, err := tm.ListPDUs()
	require.NoError(t, err)
	require.Len(t, pdus, 2)
	assert.Equal(t, 1, pdus[0].Index)
	assert.True(t, strings.HasPrefix(pdus[0].PDU, "07911326"))
	assert.Equal(t, 4, pdus[1].Index)
	tm.sc.done()
}

func TestDeleteSMS(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.
		expect("AT+CMGD=3\r\n", "\r\nOK\r\n").
		expect("AT+CMGD=1,4\r\n", "\r\nOK\r\n")
	require.NoError(t, tm.DeleteSMS(3))
	require.NoError(t, tm.DeleteAllSMS())
	tm.sc.done()
}

func TestSendSMS(t *testing.T) {
	pdus, err := sms.Encode([]byte("hello"), sms.To("+886912345678"))
	require.NoError(t, err)
	require.Len(t, pdus, 1)
	b, err := pdus[0].MarshalBinary()
	require.NoError(t, err)

	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.
		expect("AT+CMGF=0\r\n", "\r\nOK\r\n").
		expect("AT+CMGS="+strconv.Itoa(len(b))+"\r\n", "\r\n> ").
		expect("00"+strings.ToUpper(hex.EncodeToString(b))+"\x1a", "\r\n+CMGS: 12\r\n\r\nOK\r\n")
	require.NoError(t, tm.SendSMS("+886912345678", "hello"))
	tm.sc.done()
}

func TestSendSMSPromptRejected(t *testing.T) {
	pdus, err := sms.Encode([]byte("hello"), sms.To("+886912345678"))
	require.NoError(t, err)
	b, err := pdus[0].MarshalBinary()
	require.NoError(t, err)

	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.
		expect("AT+CMGF=0\r\n", "\r\nOK\r\n").
		expect("AT+CMGS="+strconv.Itoa(len(b))+"\r\n", "\r\n+CME ERROR: 304\r\n")
	err = tm.SendSMS("+886912345678", "hello")
	assert.ErrorIs(t, err, ErrRejected)
	tm.sc.done()
}
