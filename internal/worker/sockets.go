package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pccr10001/gsmux/internal/config"
	"github.com/pccr10001/gsmux/internal/gsm"
	"github.com/pccr10001/gsmux/internal/model"
)

// Session close reasons.
const (
	CloseLocal    = "local"
	ClosePeer     = "peer"
	CloseEvicted  = "evicted"
	CloseShutdown = "shutdown"
)

// Conn is a socket opened through a worker together with its session row.
// Reads are serialized; one reader and one writer may run concurrently.
type Conn struct {
	w       *ModemWorker
	sock    *gsm.Socket
	session model.SocketSession

	rmu         sync.Mutex
	readTimeout time.Duration

	in, out  atomic.Int64 // traffic not yet flushed to the session row
	released atomic.Bool
}

func (c *Conn) Mux() int { return c.sock.Mux() }

// Session is the row as it was when the socket opened.
func (c *Conn) Session() model.SocketSession { return c.session }

func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadTimeout(p, 0)
}

// ReadTimeout is Read with a one-off blocking limit; zero uses the default.
func (c *Conn) ReadTimeout(p []byte, d time.Duration) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if d <= 0 {
		d = c.readTimeout
	}
	c.sock.SetReadTimeout(d)
	n, err := c.sock.Read(p)
	c.in.Add(int64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.sock.Write(p)
	c.out.Add(int64(n))
	return n, err
}

func (c *Conn) Available() int {
	return c.sock.Available()
}

func (c *Conn) Connected() bool {
	return c.sock.Connected()
}

func (c *Conn) State() gsm.State {
	return c.sock.State()
}

// Close disconnects and closes the session. Bytes already buffered stay
// readable until the handle is dropped.
func (c *Conn) Close() error {
	err := c.sock.Close()
	if errors.Is(err, gsm.ErrStale) {
		err = nil
	}
	c.w.release(c, CloseLocal)
	return err
}

func (c *Conn) flush() {
	in, out := c.in.Swap(0), c.out.Swap(0)
	if in == 0 && out == 0 {
		return
	}
	if err := c.w.sessionRepo.AddTraffic(c.session.ID, in, out); err != nil {
		c.w.log.Warnf("Session %d traffic: %v", c.session.ID, err)
	}
}

// SocketStatus is a registry snapshot entry with the session that owns it.
type SocketStatus struct {
	gsm.SocketInfo
	Session *model.SocketSession `json:"session,omitempty"`
}

// OpenSocket connects to host:port. mux picks the slot where the dialect
// lets the host choose; -1 takes any free one.
func (w *ModemWorker) OpenSocket(host string, port, mux int, secure bool, timeout time.Duration) (*Conn, error) {
	if err := w.ready(); err != nil {
		return nil, err
	}
	if !w.modem.IsNetworkConnected() {
		return nil, ErrNoNetwork
	}

	sock := w.modem.NewSocket(mux)
	if secure {
		sock = w.modem.NewSecureSocket(mux)
	}
	if err := sock.Connect(host, port, timeout); err != nil {
		return nil, err
	}

	rt := config.AppConfig.Modem.ReadTimeout
	if rt <= 0 {
		rt = time.Second
	}
	c := &Conn{
		w:           w,
		sock:        sock,
		readTimeout: rt,
		session: model.SocketSession{
			IMEI:   w.IMEI(),
			Mux:    sock.Mux(),
			Host:   host,
			Port:   port,
			Secure: secure,
		},
	}
	if err := w.sessionRepo.Open(&c.session); err != nil {
		w.log.Errorf("Failed to record session: %v", err)
	}

	w.sockMu.Lock()
	old := w.sockets[c.Mux()]
	w.sockets[c.Mux()] = c
	w.sockMu.Unlock()
	if old != nil {
		w.finish(old, CloseEvicted)
	}

	w.log.Infof("Socket %d connected to %s:%d", c.Mux(), host, port)
	return c, nil
}

// Socket returns the open handle for mux, or nil.
func (w *ModemWorker) Socket(mux int) *Conn {
	w.sockMu.Lock()
	defer w.sockMu.Unlock()
	return w.sockets[mux]
}

func (w *ModemWorker) Sockets() []SocketStatus {
	if w.modem == nil {
		return nil
	}
	infos := w.modem.Sockets()
	out := make([]SocketStatus, 0, len(infos))
	for _, info := range infos {
		st := SocketStatus{SocketInfo: info}
		if c := w.Socket(info.Mux); c != nil {
			s := c.Session()
			st.Session = &s
		}
		out = append(out, st)
	}
	return out
}

// Sessions lists the latest socket sessions of this modem, newest first.
func (w *ModemWorker) Sessions(limit int) ([]model.SocketSession, error) {
	return w.sessionRepo.FindByIMEI(w.IMEI(), limit)
}

// release drops c from the socket table and closes its session.
func (w *ModemWorker) release(c *Conn, reason string) {
	w.sockMu.Lock()
	if w.sockets[c.Mux()] == c {
		delete(w.sockets, c.Mux())
	}
	w.sockMu.Unlock()
	w.finish(c, reason)
}

func (w *ModemWorker) finish(c *Conn, reason string) error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	c.flush()
	err := w.sessionRepo.Close(c.session.ID, reason)
	if err != nil {
		w.log.Warnf("Session %d close: %v", c.session.ID, err)
	}
	return err
}

// peerClosed runs inside a command cycle, so it only queues the mux.
func (w *ModemWorker) peerClosed(mux int) {
	select {
	case w.closedChan <- mux:
	default:
		w.log.Warnf("Peer close of socket %d not recorded, queue full", mux)
	}
}

// handlePeerClosed records a far-side close. The handle stays registered so
// a reader can drain what is left.
func (w *ModemWorker) handlePeerClosed(mux int) {
	c := w.Socket(mux)
	if c == nil {
		return
	}
	w.log.Infof("Socket %d closed by peer", mux)
	c.flush()
	if err := w.sessionRepo.Close(c.session.ID, ClosePeer); err != nil {
		w.log.Warnf("Session %d close: %v", c.session.ID, err)
		return
	}
	s, err := w.sessionRepo.FindByID(c.session.ID)
	if err != nil {
		return
	}
	w.webhookService.DispatchSocketClosed(s)
}

func (w *ModemWorker) flushTraffic() {
	w.sockMu.Lock()
	conns := make([]*Conn, 0, len(w.sockets))
	for _, c := range w.sockets {
		conns = append(conns, c)
	}
	w.sockMu.Unlock()
	for _, c := range conns {
		c.flush()
	}
}
