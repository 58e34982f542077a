package atchan

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	t.Parallel()

	require.Equal(t, "AT\r\n", string(Frame("\r\n")))
	require.Equal(t, "AT+CIPSEND=1,5\r", string(Frame("\r", "+CIPSEND=", 1, ",", 5)))
	require.Equal(t, `AT+USOCO=0,"example.com",80`+"\r\n",
		string(Frame("\r\n", "+USOCO=", 0, `,"`, "example.com", `",`, 80)))
}

// shortWriter accepts at most max bytes per call.
type shortWriter struct {
	max int
	got []byte
	err error
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n := len(p)
	if n > w.max {
		n = w.max
	}
	w.got = append(w.got, p[:n]...)
	return n, nil
}

func TestWriteAllRetriesShortWrites(t *testing.T) {
	t.Parallel()

	w := &shortWriter{max: 3}
	require.NoError(t, WriteAll(w, []byte("AT+CSQ\r\n")))
	require.Equal(t, "AT+CSQ\r\n", string(w.got))
}

func TestWriteAllStopsWithoutProgress(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, WriteAll(&shortWriter{max: 0}, []byte("AT")), io.ErrShortWrite)

	boom := errors.New("boom")
	require.ErrorIs(t, WriteAll(&shortWriter{max: 8, err: boom}, []byte("AT")), boom)
}

func TestWriteCommandFlushes(t *testing.T) {
	t.Parallel()

	s := NewMemStream()
	require.NoError(t, WriteCommand(s, "\r\n", "+CPIN?"))
	require.Equal(t, "AT+CPIN?\r\n", string(s.Written()))
	require.Equal(t, 1, s.Flushes())
}

func TestDrain(t *testing.T) {
	t.Parallel()

	s := NewMemStream()
	s.FeedString("stray\r\n")
	require.Equal(t, 7, Drain(s))
	require.Zero(t, s.Available())
	require.Zero(t, Drain(s))
}

func TestMemStreamHooks(t *testing.T) {
	t.Parallel()

	s := NewMemStream()
	s.OnWrite = func(p []byte) {
		if string(p) == "AT\r\n" {
			s.FeedString("OK\r\n")
		}
	}
	waited := 0
	s.OnWait = func(d time.Duration) { waited++ }

	require.False(t, s.Wait(time.Second))
	require.Equal(t, 1, waited)

	require.NoError(t, WriteCommand(s, "\r\n"))
	require.True(t, s.Wait(time.Second))
	require.Equal(t, 1, waited)

	b, ok := s.Next()
	require.True(t, ok)
	require.Equal(t, byte('O'), b)
	require.Equal(t, 3, s.Available())
}
