package gsm

import (
	"time"

	"github.com/pccr10001/gsmux/internal/ringbuf"
)

// Record is the engine's view of one multiplexed socket.
type Record struct {
	Mux       int
	Connected bool
	// AvailableHint is the byte count the modem last reported as waiting
	// on its side (poll dialects only).
	AvailableHint int
	RX            *ringbuf.Ring

	gotData   bool
	lastCheck time.Time
	live      bool
	gen       uint64
}

// Registry is a fixed arena of socket records indexed by mux id.
// Records and their buffers are allocated once. Callers hold Modem.mu.
type Registry struct {
	records []Record
	gen     uint64
}

func NewRegistry(size, rxSize int) *Registry {
	r := &Registry{records: make([]Record, size)}
	for i := range r.records {
		r.records[i] = Record{Mux: i, RX: ringbuf.New(rxSize)}
	}
	return r
}

func (r *Registry) Size() int { return len(r.records) }

func (r *Registry) inRange(mux int) bool {
	return mux >= 0 && mux < len(r.records)
}

// Lookup returns the live record at mux, or nil.
func (r *Registry) Lookup(mux int) *Record {
	if !r.inRange(mux) || !r.records[mux].live {
		return nil
	}
	return &r.records[mux]
}

// Owned returns the record at mux only if it still belongs to generation gen.
func (r *Registry) Owned(mux int, gen uint64) *Record {
	rec := r.Lookup(mux)
	if rec == nil || rec.gen != gen {
		return nil
	}
	return rec
}

// Install claims the slot at mux for a new connection. Whatever owned it
// before is invalidated and its unread bytes are dropped.
func (r *Registry) Install(mux int) (*Record, uint64, error) {
	if !r.inRange(mux) {
		return nil, 0, ErrBadMux
	}
	r.gen++
	rec := &r.records[mux]
	rec.RX.Clear()
	rec.Connected = true
	rec.AvailableHint = 0
	rec.gotData = false
	rec.lastCheck = time.Time{}
	rec.live = true
	rec.gen = r.gen
	return rec, rec.gen, nil
}

// Release retires the record at mux if gen still owns it.
func (r *Registry) Release(mux int, gen uint64) {
	if rec := r.Owned(mux, gen); rec != nil {
		rec.live = false
		rec.Connected = false
		rec.RX.Clear()
	}
}

// Free picks a slot for dialects where the host names the mux: an unused
// slot first, then one whose connection is closed and fully drained.
func (r *Registry) Free() (int, error) {
	for i := range r.records {
		if !r.records[i].live {
			return i, nil
		}
	}
	for i := range r.records {
		rec := &r.records[i]
		if !rec.Connected && rec.RX.Len() == 0 {
			return i, nil
		}
	}
	return -1, ErrNoFreeSlot
}

// SocketInfo is a point-in-time copy of a live record.
type SocketInfo struct {
	Mux           int  `json:"mux"`
	Connected     bool `json:"connected"`
	Buffered      int  `json:"buffered"`
	AvailableHint int  `json:"available_hint"`
}

func (r *Registry) Snapshot() []SocketInfo {
	var out []SocketInfo
	for i := range r.records {
		rec := &r.records[i]
		if !rec.live {
			continue
		}
		out = append(out, SocketInfo{
			Mux:           rec.Mux,
			Connected:     rec.Connected,
			Buffered:      rec.RX.Len(),
			AvailableHint: rec.AvailableHint,
		})
	}
	return out
}
