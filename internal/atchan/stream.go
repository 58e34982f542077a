// Package atchan carries AT command traffic over one byte stream.
//
// A Stream is the only path to the modem: commands are framed and flushed
// through it and every inbound byte is pulled from it one at a time by the
// response matcher. Nothing here is safe to share between two command cycles;
// callers serialize access.
package atchan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("atchan: channel closed")

// Stream is a duplex byte transport to the modem.
type Stream interface {
	io.Writer
	// Flush blocks until everything written has left the host.
	Flush() error
	// Next pops one inbound byte. ok is false when nothing is buffered.
	Next() (b byte, ok bool)
	// Available reports how many inbound bytes can be popped without waiting.
	Available() int
	// Wait suspends the caller until inbound bytes may be available or d elapses.
	Wait(d time.Duration) bool
}

// Frame builds one command line: "AT", the arguments in order, then the terminator.
func Frame(terminator string, args ...any) []byte {
	var b bytes.Buffer
	b.WriteString("AT")
	for _, a := range args {
		fmt.Fprint(&b, a)
	}
	b.WriteString(terminator)
	return b.Bytes()
}

// WriteAll writes p completely, retrying short writes.
func WriteAll(s io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := s.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// WriteCommand frames a command, writes it whole and flushes before returning.
func WriteCommand(s Stream, terminator string, args ...any) error {
	if err := WriteAll(s, Frame(terminator, args...)); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return s.Flush()
}

// Drain discards every byte currently buffered and returns how many were dropped.
func Drain(s Stream) int {
	n := 0
	for s.Available() > 0 {
		if _, ok := s.Next(); !ok {
			break
		}
		n++
	}
	return n
}
