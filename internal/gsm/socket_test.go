package gsm

import (
	"io"
	"testing"
	"time"

	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericConnectReadWrite(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	s := tm.connectGeneric(t, 0)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []SocketInfo{{Mux: 0, Connected: true}}, tm.Sockets())

	tm.sc.s.FeedString("+DATA:0,5,\"hello\"")
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	tm.sc.
		expect("AT+CIPSEND=0,5\r\n", "> ").
		expect("hello", "\r\nSEND OK\r\n")
	n, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	tm.sc.done()
}

func TestGenericConnectRejected(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.expect(`AT+CIPSTART=2,"TCP","example.com",80`+"\r\n", "OK\r\n\r\n2, CONNECT FAIL\r\n")

	s := tm.NewSocket(2)
	err := s.Connect("example.com", 80, 0)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StateUninitialized, s.State())
	assert.Empty(t, tm.Sockets())
	tm.sc.done()
}

func TestConnectRefusesConnectedSlot(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	a := tm.connectGeneric(t, 0)

	// nothing is written: the modem would answer ALREADY CONNECT
	b := tm.NewSocket(0)
	assert.ErrorIs(t, b.Connect("example.org", 81, 0), ErrSlotBusy)
	assert.Equal(t, StateUninitialized, b.State())
	assert.True(t, a.Connected())
	assert.Equal(t, StateConnected, a.State())

	tm.sc.s.FeedString("+DATA:0,2,\"hi\"")
	buf := make([]byte, 4)
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
	tm.sc.done()
}

func TestConnectTakesSlotAfterPeerClose(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	a := tm.connectGeneric(t, 0)
	tm.sc.s.FeedString("+CLOSED:0\r\n")
	tm.Maintain()
	require.False(t, a.Connected())

	b := tm.connectGeneric(t, 0)
	assert.True(t, b.Connected())
	_, err := a.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrStale)
	tm.sc.done()
}

func TestGenericAlreadyConnectIsRejected(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.expect(`AT+CIPSTART=3,"TCP","example.com",80`+"\r\n", "OK\r\n\r\n3, ALREADY CONNECT\r\n")

	s := tm.NewSocket(3)
	assert.ErrorIs(t, s.Connect("example.com", 80, 0), ErrRejected)
	assert.False(t, s.Connected())
	assert.Empty(t, tm.Sockets())
	tm.sc.done()
}

func TestConnectTimeout(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	tm.sc.expect(`AT+CIPSTART=0,"TCP","example.com",80`+"\r\n", "OK\r\n")

	s := tm.NewSocket(0)
	start := tm.clock.Now()
	err := s.Connect("example.com", 80, 5*time.Second)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 5*time.Second, tm.clock.Now().Sub(start))
	assert.Empty(t, tm.Sockets())
	assert.Zero(t, tm.sc.s.Available())
	tm.sc.done()
}

func TestConnectRejectsBadMux(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	err := tm.NewSocket(7).Connect("example.com", 80, 0)
	assert.ErrorIs(t, err, ErrBadMux)
}

func TestConnectWithoutFreeSlot(t *testing.T) {
	d := dialect.Generic
	d.Name = "single-slot"
	d.MuxCount = 1
	tm := newTestModem(t, d, Options{})
	tm.connectGeneric(t, 0)

	err := tm.NewSocket(-1).Connect("example.com", 80, 0)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
	tm.sc.done()
}

func TestA6ConnectAssignsMux(t *testing.T) {
	tm := newTestModem(t, dialect.A6, Options{})
	tm.sc.expect(`AT+CIPSTART="TCP","example.com",80`+"\r\n",
		"\r\n+CIPNUM:3\r\nCONNECT OK\r\n+CIPRCV:3,2,hi\r\nOK\r\n")

	s := tm.NewSocket(-1)
	require.NoError(t, s.Connect("example.com", 80, 0))
	assert.Equal(t, 3, s.Mux())
	assert.Equal(t, 2, s.Available(), "payload pushed with the connect reply is kept")
	assert.Equal(t, 2, s.Available())

	tm.sc.
		expect("AT+CIPSEND=3,4\r\n", "\r\n>").
		expect("ping", "\r\nOK\r\n")
	n, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	tm.sc.done()
}

func TestA6ConnectFail(t *testing.T) {
	tm := newTestModem(t, dialect.A6, Options{})
	tm.sc.expect(`AT+CIPSTART="TCP","example.com",80`+"\r\n", "\r\n+CIPNUM:1\r\nCONNECT FAIL\r\n\r\nOK\r\n")

	err := tm.NewSocket(-1).Connect("example.com", 80, 0)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, tm.Sockets())
	assert.Zero(t, tm.sc.s.Available(), "trailing OK is consumed")
	tm.sc.done()
}

func TestA6SecureUnsupported(t *testing.T) {
	tm := newTestModem(t, dialect.A6, Options{})
	err := tm.NewSecureSocket(-1).Connect("example.com", 443, 0)
	assert.ErrorIs(t, err, ErrSecureUnsupported)
	tm.sc.done()
}

func connectSara(t *testing.T, tm *testModem, secure bool) *Socket {
	t.Helper()
	tm.sc.expect("AT+USOCR=6\r\n", "\r\n+USOCR: 0\r\n\r\nOK\r\n")
	s := tm.NewSocket(-1)
	if secure {
		tm.sc.expect("AT+USOSEC=0,1\r\n", "\r\nOK\r\n")
		s = tm.NewSecureSocket(-1)
	}
	tm.sc.expect(`AT+USOCO=0,"example.com",80`+"\r\n", "\r\nOK\r\n")
	require.NoError(t, s.Connect("example.com", 80, 0))
	require.Equal(t, 0, s.Mux())
	return s
}

func TestSaraConnect(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	start := tm.clock.Now()
	s := connectSara(t, tm, false)
	assert.GreaterOrEqual(t, tm.clock.Now().Sub(start), 200*time.Millisecond, "settles after connect")
	assert.Equal(t, StateConnected, s.State())
	tm.sc.done()
}

func TestSaraSecureConnect(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	connectSara(t, tm, true)
	tm.sc.done()
}

func TestSaraOpenFailureClosesCreatedSocket(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	tm.sc.
		expect("AT+USOCR=6\r\n", "\r\n+USOCR: 0\r\n\r\nOK\r\n").
		expect(`AT+USOCO=0,"example.com",80`+"\r\n", "\r\n+CME ERROR: 12\r\n").
		expect("AT+USOCL=0\r\n", "\r\nOK\r\n")

	err := tm.NewSocket(-1).Connect("example.com", 80, 0)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, tm.Sockets())
	tm.sc.done()
}

func TestSaraWriteResendsRemainder(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	s := connectSara(t, tm, false)

	tm.sc.
		expect("AT+USOWR=0,10\r\n", "\r\n@").
		expect("0123456789", "\r\n+USOWR: 0,4\r\n\r\nOK\r\n").
		expect("AT+USOWR=0,6\r\n", "\r\n@").
		expect("456789", "\r\n+USOWR: 0,6\r\n\r\nOK\r\n")
	n, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	tm.sc.done()
}

func TestSaraSendShortCount(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	s := connectSara(t, tm, false)

	tm.sc.
		expect("AT+USOWR=0,3\r\n", "\r\n@").
		expect("abc", "\r\n+USOWR: 0,0\r\n\r\nOK\r\n")
	n, err := s.Write([]byte("abc"))
	assert.ErrorIs(t, err, ErrWriteStalled)
	assert.Zero(t, n)
	tm.sc.done()
}

func TestSaraPollRead(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	s := connectSara(t, tm, false)

	tm.sc.
		expect("AT+USORD=0,0\r\n", "\r\n+USORD: 0,5\r\n\r\nOK\r\n").
		expect("AT+USORD=0,5\r\n", "\r\n+USORD: 0,5,\"hello\"\r\n\r\nOK\r\n").
		expect("AT+USORD=0,0\r\n", "\r\n+USORD: 0,0\r\n\r\nOK\r\n").
		expect("AT+USOCTL=0,10\r\n", "\r\n+USOCTL: 0,10,4\r\n\r\nOK\r\n")
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	tm.sc.done()

	// within the poll interval nothing is sent
	assert.Zero(t, s.Available())
	tm.sc.done()

	tm.clock.Add(time.Second)
	tm.sc.
		expect("AT+USORD=0,0\r\n", "\r\n+USORD: 0,0\r\n\r\nOK\r\n").
		expect("AT+USOCTL=0,10\r\n", "\r\n+USOCTL: 0,10,0\r\n\r\nOK\r\n")
	assert.Zero(t, s.Available())
	assert.Equal(t, StateClosed, s.State())
	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	tm.sc.done()
}

func TestSaraClose(t *testing.T) {
	tm := newTestModem(t, dialect.SaraG450, Options{})
	s := connectSara(t, tm, false)

	tm.sc.
		expect("AT+USORD=0,0\r\n", "\r\n+USORD: 0,0\r\n\r\nOK\r\n").
		expect("AT+USOCTL=0,10\r\n", "\r\n+USOCTL: 0,10,4\r\n\r\nOK\r\n").
		expect("AT+USOCTL=0,10\r\n", "\r\n+USOCTL: 0,10,4\r\n\r\nOK\r\n").
		expect("AT+USOCL=0\r\n", "\r\nOK\r\n")
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.Connected())
	tm.sc.done()
}

func TestCloseKeepsBufferedData(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	s := tm.connectGeneric(t, 0)

	tm.sc.s.FeedString("+DATA:0,3,\"abc\"")
	tm.sc.expect("AT+CIPCLOSE=0\r\n", "\r\nOK\r\n")
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, s.Connected(), "unread bytes keep the socket readable")

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, s.Connected())
	tm.sc.done()
}

func TestPeerCloseDuringOtherSocketsCommand(t *testing.T) {
	var closed []int
	tm := newTestModem(t, dialect.Generic, Options{OnPeerClosed: func(mux int) { closed = append(closed, mux) }})
	a := tm.connectGeneric(t, 0)
	b := tm.connectGeneric(t, 1)

	tm.sc.
		expect("AT+CIPSEND=1,1\r\n", "+CLOSED:0\r\n> ").
		expect("x", "\r\nSEND OK\r\n")
	n, err := b.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []int{0}, closed)
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateConnected, b.State())
	_, err = a.Send([]byte("y"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = a.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	tm.sc.done()
}

func TestMaintainAppliesNotices(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	tm.connectGeneric(t, 4)

	tm.sc.s.FeedString("+DATA:4,2,\"hi\"+CLOSED:4\r\n")
	tm.Maintain()
	assert.Equal(t, []SocketInfo{{Mux: 4, Connected: false, Buffered: 2}}, tm.Sockets())
}

func TestEvictedSocketIsStale(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	a := tm.connectGeneric(t, 0)
	tm.sc.s.FeedString("+DATA:0,3,\"old\"")
	tm.sc.expect("AT+CIPCLOSE=0\r\n", "\r\nOK\r\n")
	require.NoError(t, a.Close())

	b := tm.connectGeneric(t, 0)
	_, err := a.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrStale)
	_, err = a.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, a.Close(), ErrStale)
	assert.False(t, a.Connected())
	assert.Equal(t, StateClosed, a.State())
	assert.Zero(t, b.Available(), "the new connection does not inherit old bytes")

	// reconnecting the stale handle takes any free slot
	tm.sc.expect(`AT+CIPSTART=1,"TCP","example.com",80`+"\r\n", "OK\r\n\r\n1, CONNECT OK\r\n")
	require.NoError(t, a.Connect("example.com", 80, 0))
	assert.Equal(t, 1, a.Mux())
	tm.sc.done()
}

func TestReconnectClosesFirst(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	s := tm.connectGeneric(t, 2)

	tm.sc.
		expect("AT+CIPCLOSE=2\r\n", "\r\nOK\r\n").
		expect(`AT+CIPSTART=2,"TCP","example.org",81`+"\r\n", "OK\r\n\r\n2, CONNECT OK\r\n")
	require.NoError(t, s.Connect("example.org", 81, 0))
	assert.Equal(t, StateConnected, s.State())
	tm.sc.done()
}

func TestAvailableIsStable(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	s := tm.connectGeneric(t, 0)

	assert.Zero(t, s.Available())
	assert.Zero(t, s.Available())

	tm.sc.s.FeedString("+DATA:0,5,\"hello\"")
	assert.Equal(t, 5, s.Available())
	assert.Equal(t, 5, s.Available())
	tm.sc.done()
}

func TestReadTimeout(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{})
	s := tm.connectGeneric(t, 0)
	s.SetReadTimeout(50 * time.Millisecond)

	_, err := s.Read(make([]byte, 8))
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StateConnected, s.State())
}

func TestInlineOverflowThroughSocket(t *testing.T) {
	tm := newTestModem(t, dialect.Generic, Options{RxBufferSize: 4})
	s := tm.connectGeneric(t, 0)

	tm.sc.s.FeedString("+DATA:0,10,\"0123456789\"")
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))
	assert.Zero(t, tm.sc.s.Available())
}
