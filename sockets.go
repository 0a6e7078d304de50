package cywtcp

import (
	"net"
	"strconv"
	"sync"

	"github.com/smallnest/ringbuffer"
	"github.com/soypat/cywtcp/internal/tcpctl"
	"github.com/soypat/seqs"
)

// SocketHandle identifies a connection in a [SocketTable]. A handle becomes
// stale once its connection is closed, even if the slot is reused. The zero
// SocketHandle is never valid.
type SocketHandle struct {
	idx uint16
	gen uint32
}

// IsZero reports whether h is the zero handle.
func (h SocketHandle) IsZero() bool { return h.gen == 0 }

func (h SocketHandle) String() string {
	return "sock" + strconv.Itoa(int(h.idx)) + "#" + strconv.FormatUint(uint64(h.gen), 10)
}

// Socket is a snapshot of one connection's record.
type Socket struct {
	RemoteAddr [4]byte
	RemoteMAC  [6]byte
	RemotePort uint16
	// LocalPort is also the key of the owning port entry in the registry.
	LocalPort uint16
	// PeerMSS is the maximum segment size announced by the peer's SYN.
	PeerMSS uint16
	Conn    tcpctl.ConnState
	// LastRx is the tick at which the last valid segment was received.
	LastRx uint32
	// Staged is the number of bytes waiting in the transmit buffer.
	Staged int
}

// Inactivity returns the ticks elapsed since the last valid segment was received.
func (s *Socket) Inactivity(now uint32) uint32 { return now - s.LastRx }

func (s *Socket) String() string {
	return net.IP(s.RemoteAddr[:]).String() + ":" + strconv.Itoa(int(s.RemotePort)) +
		"->" + strconv.Itoa(int(s.LocalPort)) + " " + s.Conn.State.String()
}

type socketSlot struct {
	Socket
	gen uint32
	tx  *ringbuffer.RingBuffer
}

// SocketTable is a fixed capacity arena of connection records. At most one
// record exists per (RemoteAddr, RemotePort, LocalPort) tuple. All methods
// are safe for concurrent use and hold the table lock only for short sections
// that do not allocate.
type SocketTable struct {
	mu    sync.Mutex
	slots []socketSlot
	// free is a stack of indices of unused slots.
	free []uint16
}

// NewSocketTable allocates a table of capacity records, each with a
// transmit staging buffer of txSize bytes.
func NewSocketTable(capacity, txSize int) *SocketTable {
	st := &SocketTable{
		slots: make([]socketSlot, capacity),
		free:  make([]uint16, capacity),
	}
	for i := range st.slots {
		st.slots[i].gen = 1
		st.slots[i].tx = ringbuffer.New(txSize)
		// Lowest indices are popped first.
		st.free[i] = uint16(capacity - 1 - i)
	}
	return st
}

// Open creates a record in SynRcvd state for a connection requested by a SYN with
// sequence number remoteSeq. Address, port and PeerMSS fields are taken from tmpl.
func (st *SocketTable) Open(tmpl Socket, remoteSeq, localISS seqs.Value, now uint32) (SocketHandle, error) {
	cs, _, err := tcpctl.Listen(tcpctl.Segment{SEQ: remoteSeq, Flags: seqs.FlagSYN}, localISS)
	if err != nil {
		return SocketHandle{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.lookup(tmpl.RemoteAddr, tmpl.RemotePort, tmpl.LocalPort); ok {
		return SocketHandle{}, ErrSocketExists
	}
	if len(st.free) == 0 {
		return SocketHandle{}, ErrPoolFull
	}
	idx := st.free[len(st.free)-1]
	st.free = st.free[:len(st.free)-1]
	slot := &st.slots[idx]
	slot.Socket = Socket{
		RemoteAddr: tmpl.RemoteAddr,
		RemoteMAC:  tmpl.RemoteMAC,
		RemotePort: tmpl.RemotePort,
		LocalPort:  tmpl.LocalPort,
		PeerMSS:    tmpl.PeerMSS,
		Conn:       cs,
		LastRx:     now,
	}
	return SocketHandle{idx: idx, gen: slot.gen}, nil
}

// Lookup returns the handle of the connection matching the tuple.
func (st *SocketTable) Lookup(remoteAddr [4]byte, remotePort, localPort uint16) (SocketHandle, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lookup(remoteAddr, remotePort, localPort)
}

func (st *SocketTable) lookup(remoteAddr [4]byte, remotePort, localPort uint16) (SocketHandle, bool) {
	for i := range st.slots {
		slot := &st.slots[i]
		if slot.Conn.State != tcpctl.StateClosed && slot.RemotePort == remotePort &&
			slot.LocalPort == localPort && slot.RemoteAddr == remoteAddr {
			return SocketHandle{idx: uint16(i), gen: slot.gen}, true
		}
	}
	return SocketHandle{}, false
}

// Get returns a snapshot of the record referenced by h.
func (st *SocketTable) Get(h SocketHandle) (Socket, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := st.slot(h)
	if slot == nil {
		return Socket{}, false
	}
	return slot.snapshot(), true
}

// Close releases the record referenced by h. It returns true only for
// the call that released the record. Closing a stale handle is a no-op.
func (st *SocketTable) Close(h SocketHandle) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := st.slot(h)
	if slot == nil {
		return false
	}
	st.release(h.idx)
	return true
}

// Touch resets the inactivity timer of the record referenced by h.
func (st *SocketTable) Touch(h SocketHandle, now uint32) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := st.slot(h)
	if slot == nil {
		return ErrStaleHandle
	}
	slot.LastRx = now
	return nil
}

// Sweep closes every record inactive for more than timeout ticks and returns how many were closed.
func (st *SocketTable) Sweep(now, timeout uint32) (closed int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.slots {
		slot := &st.slots[i]
		if slot.Conn.State != tcpctl.StateClosed && slot.Inactivity(now) > timeout {
			st.release(uint16(i))
			closed++
		}
	}
	return closed
}

// ForEach calls fn with a snapshot of every live record. The table
// is not locked during calls to fn so fn may use the table.
func (st *SocketTable) ForEach(fn func(h SocketHandle, s Socket)) {
	for i := range st.slots {
		st.mu.Lock()
		slot := &st.slots[i]
		live := slot.Conn.State != tcpctl.StateClosed
		h := SocketHandle{idx: uint16(i), gen: slot.gen}
		snap := slot.snapshot()
		st.mu.Unlock()
		if live {
			fn(h, snap)
		}
	}
}

// Len returns the number of live records.
func (st *SocketTable) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.slots) - len(st.free)
}

// Cap returns the capacity of the table.
func (st *SocketTable) Cap() int { return len(st.slots) }

// commit replaces the connection state of h with next only if it still equals pre,
// the state the transition was computed from. A next state of Closed releases the record.
func (st *SocketTable) commit(h SocketHandle, pre, next tcpctl.ConnState, now uint32, touch bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := st.slot(h)
	switch {
	case slot == nil:
		return ErrStaleHandle
	case slot.Conn != pre:
		return errStateChanged
	case next.State == tcpctl.StateClosed:
		st.release(h.idx)
		return nil
	}
	// Sequence offsets never go backwards. They are 32 bit so a connection
	// that moves 4 GiB in one direction wraps and can no longer commit.
	if next.LocalNext < pre.LocalNext || next.RemoteNext < pre.RemoteNext {
		return errStateChanged
	}
	slot.Conn = next
	if touch {
		slot.LastRx = now
	}
	return nil
}

// stage appends as much of data to the transmit buffer of h as fits.
func (st *SocketTable) stage(h SocketHandle, data []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := st.slot(h)
	if slot == nil {
		return 0, ErrStaleHandle
	} else if !slot.Conn.State.CanSend() {
		return 0, ErrNotConnected
	}
	n := min(len(data), slot.tx.Free())
	if n == 0 {
		return 0, ErrBufferFull
	}
	n, _ = slot.tx.Write(data[:n])
	if n < len(data) {
		return n, ErrBufferFull
	}
	return n, nil
}

// takeTx moves staged data of h into dst and accounts for it in LocalNext.
// It returns the snapshot of the record before the data was accounted for.
func (st *SocketTable) takeTx(h SocketHandle, pre tcpctl.ConnState, dst []byte) (Socket, int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	slot := st.slot(h)
	if slot == nil {
		return Socket{}, 0, ErrStaleHandle
	} else if slot.Conn != pre || !pre.State.CanSend() {
		return Socket{}, 0, errStateChanged
	}
	snap := slot.snapshot()
	n, _ := slot.tx.Read(dst)
	slot.Conn = pre.Sent(seqs.Size(n))
	return snap, n, nil
}

func (st *SocketTable) slot(h SocketHandle) *socketSlot {
	if h.gen == 0 || int(h.idx) >= len(st.slots) {
		return nil
	}
	slot := &st.slots[h.idx]
	if slot.gen != h.gen || slot.Conn.State == tcpctl.StateClosed {
		return nil
	}
	return slot
}

// release must be called with the lock held on a live slot.
func (st *SocketTable) release(idx uint16) {
	slot := &st.slots[idx]
	slot.Socket = Socket{}
	slot.tx.Reset()
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	st.free = append(st.free, idx)
}

func (slot *socketSlot) snapshot() Socket {
	snap := slot.Socket
	snap.Staged = slot.tx.Length()
	return snap
}
