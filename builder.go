package cywtcp

import (
	"sync/atomic"

	"github.com/soypat/cywtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

const (
	ipTTL         = 64
	ipDontFrag    = 0x4000
	payloadOffset = eth.SizeEthernetHeader + eth.SizeIPv4Header + eth.SizeTCPHeader
)

// OutboundSegment is an Ethernet frame built by a [Builder] and ready to be sent.
type OutboundSegment struct {
	Frame  []byte
	Handle SocketHandle
	Flags  seqs.Flags
	Seq    seqs.Value
	Ack    seqs.Value
}

// Builder composes outbound segments from socket records.
type Builder struct {
	table   *SocketTable
	alloc   Allocator
	mac     [6]byte
	ip      [4]byte
	window  uint16
	mss     uint16
	bufSize int
	ipid    atomic.Uint32
}

func (b *Builder) init(table *SocketTable, alloc Allocator, cfg *StackConfig) {
	b.table = table
	b.alloc = alloc
	b.mac = cfg.MAC
	b.ip = cfg.IP
	b.window = cfg.Window
	b.mss = cfg.localMSS()
	b.bufSize = cfg.frameSize()
	b.ipid.Store(uint32(cfg.MAC[5])<<8 | 1)
}

// Build composes a segment with flags and payload for the connection h from its current record.
// The returned segment holds an allocated buffer that must be returned with [Builder.Release].
// Build returns false if h is stale, the payload does not fit a segment or no buffer is available.
func (b *Builder) Build(h SocketHandle, flags seqs.Flags, payload []byte) (OutboundSegment, bool) {
	if len(payload) > int(b.mss) {
		return OutboundSegment{}, false
	}
	snap, ok := b.table.Get(h)
	if !ok {
		return OutboundSegment{}, false
	}
	buf := b.alloc.AllocAndClear(b.bufSize)
	if buf == nil {
		return OutboundSegment{}, false
	}
	out := b.encode(buf, &snap, flags, payload)
	out.Handle = h
	return out, true
}

// Release returns the buffer of out to the allocator.
func (b *Builder) Release(out OutboundSegment) {
	if out.Frame != nil {
		b.alloc.Free(out.Frame)
	}
}

// encode writes an Ethernet+IPv4+TCP frame into buf addressed to the peer of snap.
// snap's sequence space must not yet account for payload or a FIN in flags.
// payload may alias buf at payloadOffset.
//
// The sequence number is LocalSeqBase+LocalNext, or LocalSeqBase on a SYN. The
// acknowledgment is RemoteSeqBase+RemoteNext, or RemoteSeqBase+1 on a SYN. ACK is
// set on every segment except a bare RST.
func (b *Builder) encode(buf []byte, snap *Socket, flags seqs.Flags, payload []byte) OutboundSegment {
	cs := &snap.Conn
	var seq, ack seqs.Value
	if flags.HasAny(seqs.FlagSYN) {
		seq = cs.LocalSeqBase
		ack = seqs.Add(cs.RemoteSeqBase, 1)
	} else {
		seq = cs.SendNext()
		ack = cs.RecvNext()
	}
	if flags == seqs.FlagRST {
		ack = 0
	} else {
		flags |= seqs.FlagACK
	}

	var opts [4]byte
	var optlen int
	if flags.HasAll(seqs.FlagSYN | seqs.FlagACK) {
		optlen = eth.PutMSSOption(opts[:], b.mss)
	}
	tcpOffset := eth.OffsetForOptions(optlen)
	tcpLen := int(tcpOffset)*4 + len(payload)

	ip := eth.IPv4Header{
		VersionAndIHL: 5,
		TotalLength:   uint16(eth.SizeIPv4Header + tcpLen),
		ID:            uint16(b.ipid.Add(1)),
		Flags:         ipDontFrag,
		TTL:           ipTTL,
		Protocol:      eth.IPProtocolTCP,
		Source:        b.ip,
		Destination:   snap.RemoteAddr,
	}
	tcp := eth.TCPHeader{
		SourcePort:      snap.LocalPort,
		DestinationPort: snap.RemotePort,
		Seq:             seq,
		Ack:             ack,
		WindowSizeRaw:   b.window,
	}
	tcp.SetOffset(tcpOffset)
	tcp.SetFlags(flags)

	ehdr := eth.EthernetHeader{
		Destination:     snap.RemoteMAC,
		Source:          b.mac,
		SizeOrEtherType: uint16(eth.EtherTypeIPv4),
	}
	ehdr.Put(buf)
	ipbuf := buf[eth.SizeEthernetHeader:]
	tcpbuf := ipbuf[eth.SizeIPv4Header:]
	copy(tcpbuf[int(tcpOffset)*4:], payload) // No-op when payload is already in place.
	copy(tcpbuf[eth.SizeTCPHeader:], opts[:optlen])
	tcp.Put(tcpbuf)
	ph := eth.PseudoHeaderIPv4(ip.Source, ip.Destination, uint16(tcpLen))
	tcp.Checksum = eth.Checksum(ph[:], tcpbuf[:tcpLen])
	tcp.Put(tcpbuf)

	ip.Checksum = ip.CalculateChecksum()
	ip.Put(ipbuf)

	n := max(eth.SizeEthernetHeader+eth.SizeIPv4Header+tcpLen, eth.MinFrameSize())
	return OutboundSegment{Frame: buf[:n], Flags: flags, Seq: seq, Ack: ack}
}
