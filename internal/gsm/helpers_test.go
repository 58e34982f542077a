package gsm

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastClock is a mock clock whose Sleep advances time instead of blocking.
type fastClock struct {
	*clock.Mock
}

func (c fastClock) Sleep(d time.Duration) { c.Add(d) }

func newFastClock() fastClock {
	return fastClock{clock.NewMock()}
}

type exchangeStep struct {
	want  string
	reply string
}

// script plays the modem side: every host write must match the next
// expected step, and the step's reply is fed back immediately.
type script struct {
	t     *testing.T
	s     *atchan.MemStream
	mu    sync.Mutex
	steps []exchangeStep
}

func newScript(t *testing.T) *script {
	sc := &script{t: t, s: atchan.NewMemStream()}
	sc.s.OnWrite = sc.onWrite
	return sc
}

// expect queues one host write and the modem's answer to it.
func (sc *script) expect(want, reply string) *script {
	sc.mu.Lock()
	sc.steps = append(sc.steps, exchangeStep{want: want, reply: reply})
	sc.mu.Unlock()
	return sc
}

func (sc *script) onWrite(p []byte) {
	sc.mu.Lock()
	if len(sc.steps) == 0 {
		sc.mu.Unlock()
		sc.t.Errorf("unexpected write %q", p)
		return
	}
	st := sc.steps[0]
	sc.steps = sc.steps[1:]
	sc.mu.Unlock()

	assert.Equal(sc.t, st.want, string(p))
	if st.reply != "" {
		sc.s.FeedString(st.reply)
	}
}

func (sc *script) done() {
	sc.t.Helper()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	require.Empty(sc.t, sc.steps, "expected writes never happened")
}

type testModem struct {
	*Modem
	sc    *script
	clock fastClock
}

// newTestModem builds a Modem over a scripted stream. Waiting never blocks:
// an empty stream advances the mock clock by the whole remaining timeout.
func newTestModem(t *testing.T, d dialect.Dialect, opts Options) *testModem {
	t.Helper()
	sc := newScript(t)
	clk := newFastClock()
	sc.s.OnWait = func(d time.Duration) { clk.Add(d) }
	opts.Clock = clk
	m, err := New(sc.s, d, opts)
	require.NoError(t, err)
	return &testModem{Modem: m, sc: sc, clock: clk}
}

// connectGeneric opens mux on the generic dialect.
func (tm *testModem) connectGeneric(t *testing.T, mux int) *Socket {
	t.Helper()
	tm.sc.expect(`AT+CIPSTART=`+strconv.Itoa(mux)+`,"TCP","example.com",80`+"\r\n", "OK\r\n\r\n"+strconv.Itoa(mux)+", CONNECT OK\r\n")
	s := tm.NewSocket(mux)
	require.NoError(t, s.Connect("example.com", 80, 0))
	require.Equal(t, mux, s.Mux())
	return s
}
