package atchan

import (
	"bytes"
	"sync"
	"time"
)

// MemStream is an in-memory Stream. Tests feed modem output with Feed and
// inspect host output with Written; OnWrite lets a scripted modem answer
// each command as it is written.
type MemStream struct {
	mu      sync.Mutex
	in      []byte
	out     bytes.Buffer
	flushes int
	ready   chan struct{}

	// OnWrite is called after every Write with a copy of the written bytes.
	OnWrite func(p []byte)
	// OnWait replaces the blocking part of Wait, e.g. to advance a mock clock.
	OnWait func(d time.Duration)
}

func NewMemStream() *MemStream {
	return &MemStream{ready: make(chan struct{}, 1)}
}

// Feed appends bytes to the inbound side.
func (s *MemStream) Feed(p []byte) {
	s.mu.Lock()
	s.in = append(s.in, p...)
	s.mu.Unlock()
	signal(s.ready)
}

func (s *MemStream) FeedString(str string) { s.Feed([]byte(str)) }

func (s *MemStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.out.Write(p)
	hook := s.OnWrite
	s.mu.Unlock()
	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return len(p), nil
}

func (s *MemStream) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *MemStream) Next() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.in) == 0 {
		return 0, false
	}
	b := s.in[0]
	s.in = s.in[1:]
	return b, true
}

func (s *MemStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.in)
}

func (s *MemStream) Wait(d time.Duration) bool {
	if s.Available() > 0 {
		return true
	}
	if s.OnWait != nil {
		s.OnWait(d)
		return s.Available() > 0
	}
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ready:
	case <-t.C:
	}
	return s.Available() > 0
}

// Written returns everything the host has written so far.
func (s *MemStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

// Flushes reports how many times Flush was called.
func (s *MemStream) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}
