package cywtcp

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/soypat/cywtcp/internal/tcpctl"
	"github.com/soypat/seqs"
)

func tmplSocket(port uint16) Socket {
	return Socket{RemoteAddr: peerIP, RemoteMAC: peerMAC, RemotePort: port, LocalPort: httpPort, PeerMSS: defaultPeerMSS}
}

func TestSocketTableOpen(t *testing.T) {
	st := NewSocketTable(2, 64)
	h1, err := st.Open(tmplSocket(1), 100, 200, 7)
	if err != nil {
		t.Fatal(err)
	}
	if h1.IsZero() {
		t.Fatal("zero handle returned")
	}
	if _, err := st.Open(tmplSocket(1), 100, 200, 7); !errors.Is(err, ErrSocketExists) {
		t.Errorf("duplicate tuple: want ErrSocketExists, got %v", err)
	}
	h2, err := st.Open(tmplSocket(2), 100, 200, 7)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("handles collide")
	}
	if _, err := st.Open(tmplSocket(3), 100, 200, 7); !errors.Is(err, ErrPoolFull) {
		t.Errorf("want ErrPoolFull, got %v", err)
	}
	sock, ok := st.Get(h1)
	if !ok {
		t.Fatal("Get failed")
	}
	want := tcpctl.ConnState{LocalSeqBase: 200, LocalNext: 1, RemoteSeqBase: 100, RemoteNext: 1, State: tcpctl.StateSynRcvd}
	if sock.Conn != want || sock.LastRx != 7 || sock.RemotePort != 1 {
		t.Errorf("unexpected record %+v", sock)
	}
	if got, ok := st.Lookup(peerIP, 2, httpPort); !ok || got != h2 {
		t.Error("Lookup did not find second socket")
	}
	if _, ok := st.Lookup(peerIP, 2, 8080); ok {
		t.Error("Lookup matched wrong local port")
	}
	if st.Len() != 2 || st.Cap() != 2 {
		t.Errorf("Len=%d Cap=%d", st.Len(), st.Cap())
	}
}

func TestSocketTableStaleHandle(t *testing.T) {
	st := NewSocketTable(1, 64)
	var zero SocketHandle
	if _, ok := st.Get(zero); ok {
		t.Error("zero handle resolved")
	}
	h1, _ := st.Open(tmplSocket(1), 0, 0, 0)
	if !st.Close(h1) {
		t.Fatal("first Close must release")
	}
	if st.Close(h1) {
		t.Error("second Close must be a no-op")
	}
	// Slot is reused with a new generation.
	h2, err := st.Open(tmplSocket(2), 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h2.idx != h1.idx || h2.gen == h1.gen {
		t.Fatalf("slot not reused with new generation: %s %s", h1, h2)
	}
	if _, ok := st.Get(h1); ok {
		t.Error("stale handle resolved to reused slot")
	}
	if err := st.Touch(h1, 5); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Touch stale: %v", err)
	}
	if _, err := st.stage(h1, []byte("x")); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("stage stale: %v", err)
	}
	if st.Close(h1) {
		t.Error("stale Close released reused slot")
	}
	if _, ok := st.Get(h2); !ok {
		t.Error("reused slot lost")
	}
}

func TestSocketTableCommit(t *testing.T) {
	st := NewSocketTable(1, 64)
	h, _ := st.Open(tmplSocket(1), 100, 200, 0)
	pre, _ := st.Get(h)
	next, _, err := pre.Conn.Rcv(tcpctl.Segment{SEQ: 101, ACK: 201, Flags: seqs.FlagACK})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.commit(h, pre.Conn, next, 9, true); err != nil {
		t.Fatal(err)
	}
	// A commit computed from an outdated state is rejected.
	if err := st.commit(h, pre.Conn, next, 10, true); !errors.Is(err, errStateChanged) {
		t.Errorf("want errStateChanged, got %v", err)
	}
	sock, _ := st.Get(h)
	if sock.Conn.State != tcpctl.StateEstablished || sock.LastRx != 9 {
		t.Errorf("commit not applied: %s lastRx=%d", sock.Conn.State, sock.LastRx)
	}
	backwards := sock.Conn
	backwards.RemoteNext--
	if err := st.commit(h, sock.Conn, backwards, 11, true); err == nil {
		t.Error("commit moved sequence space backwards")
	}
	wrapped := sock.Conn
	wrapped.RemoteNext = math.MaxUint32
	if err := st.commit(h, sock.Conn, wrapped, 11, true); err != nil {
		t.Fatal(err)
	}
	sock, _ = st.Get(h)
	wrapped = sock.Conn
	wrapped.RemoteNext++
	if err := st.commit(h, sock.Conn, wrapped, 11, true); !errors.Is(err, errStateChanged) {
		t.Errorf("offset wrapped past 4GiB: want errStateChanged, got %v", err)
	}
	closed := sock.Conn
	closed.State = tcpctl.StateClosed
	if err := st.commit(h, sock.Conn, closed, 12, true); err != nil {
		t.Fatal(err)
	}
	if st.Len() != 0 {
		t.Error("commit to Closed did not release record")
	}
}

func TestSocketTableStageAndTake(t *testing.T) {
	st := NewSocketTable(1, 8)
	h, _ := st.Open(tmplSocket(1), 100, 200, 0)
	if _, err := st.stage(h, []byte("hi")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("stage in SynRcvd: %v", err)
	}
	pre, _ := st.Get(h)
	est, _, _ := pre.Conn.Rcv(tcpctl.Segment{SEQ: 101, ACK: 201, Flags: seqs.FlagACK})
	st.commit(h, pre.Conn, est, 0, true)

	n, err := st.stage(h, []byte("0123456789"))
	if n != 8 || !errors.Is(err, ErrBufferFull) {
		t.Errorf("want 8 staged and ErrBufferFull, got %d %v", n, err)
	}
	if n, err := st.stage(h, []byte("x")); n != 0 || !errors.Is(err, ErrBufferFull) {
		t.Errorf("full buffer: %d %v", n, err)
	}
	sock, _ := st.Get(h)
	if sock.Staged != 8 {
		t.Fatalf("Staged=%d", sock.Staged)
	}
	dst := make([]byte, 5)
	snap, n, err := st.takeTx(h, sock.Conn, dst)
	if err != nil || n != 5 || string(dst) != "01234" {
		t.Fatalf("takeTx: %d %v %q", n, err, dst)
	}
	if snap.Conn.LocalNext != 1 {
		t.Error("takeTx must return the snapshot before accounting")
	}
	sock, _ = st.Get(h)
	if sock.Conn.LocalNext != 6 || sock.Staged != 3 {
		t.Errorf("after takeTx LocalNext=%d Staged=%d", sock.Conn.LocalNext, sock.Staged)
	}
	if _, _, err := st.takeTx(h, snap.Conn, dst); !errors.Is(err, errStateChanged) {
		t.Errorf("takeTx with outdated state: %v", err)
	}
	st.Close(h)
	h2, _ := st.Open(tmplSocket(1), 100, 200, 0)
	if sock, _ := st.Get(h2); sock.Staged != 0 {
		t.Error("staged data survived slot reuse")
	}
}

func TestSocketTableSweep(t *testing.T) {
	st := NewSocketTable(4, 16)
	old, _ := st.Open(tmplSocket(1), 0, 0, 0)
	fresh, _ := st.Open(tmplSocket(2), 0, 0, 0)
	st.Touch(fresh, 20)
	if n := st.Sweep(25, 10); n != 1 {
		t.Fatalf("want 1 swept, got %d", n)
	}
	if _, ok := st.Get(old); ok {
		t.Error("inactive socket not swept")
	}
	if _, ok := st.Get(fresh); !ok {
		t.Error("active socket swept")
	}
	// Tick counter wraparound.
	st.Touch(fresh, ^uint32(0)-2)
	if n := st.Sweep(3, 10); n != 0 {
		t.Error("socket swept across clock wraparound")
	}
}

func TestSocketTableConcurrentClose(t *testing.T) {
	const goroutines = 8
	st := NewSocketTable(16, 16)
	for round := 0; round < 50; round++ {
		h, err := st.Open(tmplSocket(uint16(round+1)), 0, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		released := 0
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if st.Close(h) {
					mu.Lock()
					released++
					mu.Unlock()
				}
				st.Sweep(1000, 0)
			}()
		}
		wg.Wait()
		if released > 1 {
			t.Fatalf("socket released %d times", released)
		}
		if st.Len() != 0 {
			t.Fatalf("Len=%d after close", st.Len())
		}
	}
}

func TestSocketTableForEach(t *testing.T) {
	st := NewSocketTable(4, 16)
	st.Open(tmplSocket(1), 0, 0, 0)
	h2, _ := st.Open(tmplSocket(2), 0, 0, 0)
	st.Open(tmplSocket(3), 0, 0, 0)
	st.Close(h2)
	seen := map[uint16]bool{}
	st.ForEach(func(h SocketHandle, s Socket) {
		seen[s.RemotePort] = true
		st.Close(h) // Table is usable from fn.
	})
	if len(seen) != 2 || !seen[1] || !seen[3] {
		t.Errorf("ForEach visited %v", seen)
	}
	if st.Len() != 0 {
		t.Error("Close from ForEach failed")
	}
}
