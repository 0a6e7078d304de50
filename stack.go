package cywtcp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/soypat/cywtcp/internal/tcpctl"
	"github.com/soypat/cywtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

// Stack is a server side TCP segment processor. It demultiplexes inbound
// segments to connections, drives their state and emits replies over a [Link].
//
// Inbound segments are expected to be delivered from a single goroutine.
// [Stack.Sweep] and [Stack.RunSweeper] may run concurrently with it.
type Stack struct {
	ports   *PortRegistry
	sockets *SocketTable
	builder Builder
	link    Link
	alloc   Allocator

	mac          [6]byte
	ip           [4]byte
	mss          uint16
	bufSize      int
	timeout      uint32
	skipChecksum bool
	newISS       func() seqs.Value

	logger        *slog.Logger
	_traceenabled bool

	now       atomic.Uint32
	processed atomic.Uint32
	dropped   atomic.Uint32
	sent      atomic.Uint32
}

// Stats are counters of the segments handled by a [Stack].
type Stats struct {
	Processed uint32 // inbound segments accepted
	Dropped   uint32 // inbound segments dropped
	Sent      uint32 // outbound segments sent
	Sockets   int    // live connections
}

// NewStack creates a ready to use Stack. All memory used for connections is allocated here.
func NewStack(cfg StackConfig) (*Stack, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cywtcp: invalid config: %w", err)
	}
	s := &Stack{
		ports:        NewPortRegistry(cfg.MaxPorts),
		sockets:      NewSocketTable(cfg.MaxSockets, cfg.TxBufferSize),
		link:         cfg.Link,
		alloc:        cfg.Allocator,
		mac:          cfg.MAC,
		ip:           cfg.IP,
		mss:          cfg.localMSS(),
		bufSize:      cfg.frameSize(),
		timeout:      cfg.TimeoutTicks,
		skipChecksum: cfg.SkipChecksum,
		newISS:       cfg.NewISS,
		logger:       cfg.Logger,
	}
	if s.alloc == nil {
		s.alloc = NewBufferPool(cfg.Buffers, s.bufSize)
	}
	if s.newISS == nil {
		s.newISS = func() seqs.Value { return seqs.DefaultNewISS(time.Now()) }
	}
	s.builder.init(s.sockets, s.alloc, &cfg)
	s._traceenabled = s.logenabled(levelTrace)
	s.info("NewStack", slog.Int("sockets", cfg.MaxSockets), slog.Int("ports", cfg.MaxPorts), slog.Int("mss", int(s.mss)))
	return s, nil
}

// Register binds a service to a listening port.
func (s *Stack) Register(port uint16, h Handler) error {
	err := s.ports.Register(port, h)
	if err != nil {
		return err
	}
	s.debug("Stack.Register", slog.Int("port", int(port)))
	return nil
}

// Ports returns the port registry of the stack.
func (s *Stack) Ports() *PortRegistry { return s.ports }

// Sockets returns the socket table of the stack.
func (s *Stack) Sockets() *SocketTable { return s.sockets }

// Builder returns the segment builder of the stack.
func (s *Stack) Builder() *Builder { return &s.builder }

// Stats returns a snapshot of the stack's counters.
func (s *Stack) Stats() Stats {
	return Stats{
		Processed: s.processed.Load(),
		Dropped:   s.dropped.Load(),
		Sent:      s.sent.Load(),
		Sockets:   s.sockets.Len(),
	}
}

// RecvTCP processes one TCP segment received from src addressed to dst. srcMAC is
// the link address replies are sent to. A non-nil error reports why the segment
// was dropped. A dropped segment changes no state and produces no reply.
func (s *Stack) RecvTCP(src, dst [4]byte, srcMAC [6]byte, segment []byte) (err error) {
	defer func() {
		if err != nil {
			s.dropped.Add(1)
			s.debug("RecvTCP:drop", slog.String("err", err.Error()))
		} else {
			s.processed.Add(1)
		}
	}()
	if len(segment) > math.MaxUint16 {
		return fmt.Errorf("%w: segment too long", ErrMalformedSegment)
	}
	if err := eth.ValidateTCP(segment); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSegment, err)
	}
	if !s.skipChecksum {
		ph := eth.PseudoHeaderIPv4(src, dst, uint16(len(segment)))
		if eth.Checksum(ph[:], segment) != 0 {
			return fmt.Errorf("%w: checksum mismatch", ErrMalformedSegment)
		}
	}
	hdr, off := eth.DecodeTCPHeader(segment)
	if hdr.SourcePort == 0 || hdr.DestinationPort == 0 {
		return fmt.Errorf("%w: zero port", ErrMalformedSegment)
	}
	flags, err := tcpctl.SanitizeFlags(hdr.Flags())
	if err != nil {
		return err
	}
	payload := segment[off:]
	if len(payload) > int(s.mss) {
		return fmt.Errorf("%w: payload exceeds MSS", ErrMalformedSegment)
	}
	s.trace("RecvTCP", slog.String("hdr", hdr.String()), slog.Int("plen", len(payload)))

	entry, ok := s.ports.Lookup(hdr.DestinationPort)
	if !ok {
		return ErrPortNotRegistered
	}
	seg := tcpctl.Segment{
		SEQ:     hdr.Seq,
		ACK:     hdr.Ack,
		DATALEN: seqs.Size(len(payload)),
		Flags:   flags,
	}
	h, ok := s.sockets.Lookup(src, hdr.SourcePort, hdr.DestinationPort)
	if !ok {
		tmpl := Socket{
			RemoteAddr: src,
			RemoteMAC:  srcMAC,
			RemotePort: hdr.SourcePort,
			LocalPort:  hdr.DestinationPort,
		}
		return s.open(&tmpl, seg, segment[eth.SizeTCPHeader:off])
	}
	return s.rcv(h, seg, payload, entry)
}

// open handles a segment that matched no connection. Only a lone SYN opens one.
func (s *Stack) open(tmpl *Socket, seg tcpctl.Segment, options []byte) error {
	iss := s.newISS()
	_, act, err := tcpctl.Listen(seg, iss)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	tmpl.PeerMSS = defaultPeerMSS
	if mss, ok := eth.ParseMSSOption(options); ok && mss > 0 {
		tmpl.PeerMSS = mss
	}
	buf := s.alloc.AllocAndClear(s.bufSize)
	if buf == nil {
		return ErrPoolFull
	}
	h, err := s.sockets.Open(*tmpl, seg.SEQ, iss, s.Now())
	if err != nil {
		s.alloc.Free(buf)
		return err
	}
	snap, ok := s.sockets.Get(h)
	if !ok {
		s.alloc.Free(buf)
		return ErrStaleHandle // Swept in between.
	}
	s.info("open", slog.String("sock", snap.String()), slog.String("h", h.String()))
	s.transmit(h, buf, &snap, act.Reply, nil)
	return nil
}

// rcv drives the connection h with seg. The transition is computed from a snapshot
// and committed only after a reply buffer was obtained and only if the record did
// not change in between.
func (s *Stack) rcv(h SocketHandle, seg tcpctl.Segment, payload []byte, entry PortEntry) error {
	pre, ok := s.sockets.Get(h)
	if !ok {
		return ErrStaleHandle
	}
	next, act, err := pre.Conn.Rcv(seg)
	if err != nil {
		return err
	}
	var buf []byte
	if act.Reply != 0 {
		buf = s.alloc.AllocAndClear(s.bufSize)
		if buf == nil {
			return ErrPoolFull
		}
	}
	err = s.sockets.commit(h, pre.Conn, next, s.Now(), true)
	if err != nil {
		if buf != nil {
			s.alloc.Free(buf)
		}
		return err
	}
	if pre.Conn.State != next.State {
		s.debug("transition", slog.String("h", h.String()),
			slog.String("from", pre.Conn.State.String()), slog.String("to", next.State.String()))
	}
	if buf != nil {
		// ACK goes out before the handler can send, flush or abort.
		post := pre
		post.Conn = next
		s.transmit(h, buf, &post, act.Reply, nil)
	}
	if act.Deliver {
		entry.Handler.HandleTCP(s, h, payload)
	}
	if next.State.CanSend() {
		err = s.Flush(h)
		if err != nil && !errors.Is(err, ErrPoolFull) && !errors.Is(err, ErrStaleHandle) {
			s.debug("rcv:flush", slog.String("err", err.Error()))
		}
	}
	return nil
}

// Send stages data to be sent on connection h. Data is sent on the next call
// to [Stack.Flush] or [Stack.Poll], or right after the stack acknowledges a segment
// received on h. If not all of data fits in the staging buffer Send returns
// the number of bytes staged and [ErrBufferFull].
func (s *Stack) Send(h SocketHandle, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := s.sockets.stage(h, data)
	s.trace("Send", slog.String("h", h.String()), slog.Int("n", n))
	return n, err
}

// Flush sends staged data of connection h as PSH,ACK segments no larger than the
// smaller of both ends' MSS. Once a connection in CloseWait has no staged
// data left its FIN is sent. Flush stops at the first segment it cannot send.
// A link error is returned after the segment's data was accounted for: there is
// no retransmission so that data is lost.
func (s *Stack) Flush(h SocketHandle) error {
	for {
		pre, ok := s.sockets.Get(h)
		if !ok {
			return ErrStaleHandle
		} else if !pre.Conn.State.CanSend() {
			return ErrNotConnected
		}
		if pre.Staged == 0 {
			if pre.Conn.State == tcpctl.StateCloseWait {
				return s.sendFIN(h, &pre)
			}
			return nil
		}
		n := min(pre.Staged, int(min(s.mss, pre.PeerMSS)))
		buf := s.alloc.AllocAndClear(s.bufSize)
		if buf == nil {
			return ErrPoolFull
		}
		payload := buf[payloadOffset : payloadOffset+n]
		snap, n, err := s.sockets.takeTx(h, pre.Conn, payload)
		if err != nil {
			s.alloc.Free(buf)
			return err
		}
		// Data taken from the ring is accounted for and is not sent again if the link fails.
		err = s.transmit(h, buf, &snap, seqs.FlagPSH|seqs.FlagACK, payload[:n])
		if err != nil {
			return err
		}
	}
}

func (s *Stack) sendFIN(h SocketHandle, pre *Socket) error {
	next, act := pre.Conn.Close()
	if act.Reply == 0 {
		return nil
	}
	buf := s.alloc.AllocAndClear(s.bufSize)
	if buf == nil {
		return ErrPoolFull
	}
	err := s.sockets.commit(h, pre.Conn, next, 0, false)
	if err != nil {
		s.alloc.Free(buf)
		return err
	}
	s.debug("transition", slog.String("h", h.String()),
		slog.String("from", pre.Conn.State.String()), slog.String("to", next.State.String()))
	return s.transmit(h, buf, pre, act.Reply, nil)
}

// Poll flushes every connection with staged data or a pending FIN.
func (s *Stack) Poll() (err error) {
	s.sockets.ForEach(func(h SocketHandle, sock Socket) {
		if sock.Staged == 0 && sock.Conn.State != tcpctl.StateCloseWait {
			return
		}
		if ferr := s.Flush(h); ferr != nil && !errors.Is(ferr, ErrStaleHandle) {
			err = errors.Join(err, ferr)
		}
	})
	return err
}

// Abort resets connection h: a RST,ACK is sent and the connection closed.
func (s *Stack) Abort(h SocketHandle) error {
	pre, ok := s.sockets.Get(h)
	if !ok {
		return ErrStaleHandle
	}
	buf := s.alloc.AllocAndClear(s.bufSize)
	if buf == nil {
		return ErrPoolFull
	}
	closed := pre.Conn
	closed.State = tcpctl.StateClosed
	err := s.sockets.commit(h, pre.Conn, closed, 0, false)
	if err != nil {
		s.alloc.Free(buf)
		return err
	}
	s.info("abort", slog.String("sock", pre.String()))
	return s.transmit(h, buf, &pre, seqs.FlagRST|seqs.FlagACK, nil)
}

// transmit encodes a segment into buf, sends it over the link and frees buf.
// Connection state is already committed when transmit is called, a link
// error is logged and returned but nothing is undone.
func (s *Stack) transmit(h SocketHandle, buf []byte, snap *Socket, flags seqs.Flags, payload []byte) error {
	out := s.builder.encode(buf, snap, flags, payload)
	err := s.link.SendEth(out.Frame)
	s.alloc.Free(buf)
	if err != nil {
		s.logerr("transmit", slog.String("h", h.String()), slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", errLinkSend, err)
	}
	s.sent.Add(1)
	s.trace("transmit", slog.String("h", h.String()), slog.String("flags", out.Flags.String()),
		slog.Uint64("seq", uint64(out.Seq)), slog.Uint64("ack", uint64(out.Ack)), slog.Int("plen", len(payload)))
	return nil
}
