package cywtcp

import (
	"errors"
	"log/slog"

	"github.com/soypat/cywtcp/internal/tcpctl/eth"
	"github.com/soypat/seqs"
)

const (
	// MTU is the default maximum size of an IPv4 packet carried in one Ethernet frame.
	MTU = 1500
	// defaultPeerMSS is assumed when the peer's SYN carries no MSS option. See RFC 9293 3.7.1.
	defaultPeerMSS = 536
	// minMTU is the smallest MTU every IPv4 host must accept. See RFC 791.
	minMTU = 68
)

// StackConfig configures a [Stack]. Use [DefaultStackConfig] as a starting point.
type StackConfig struct {
	// MAC and IP are the local addresses. Frames addressed elsewhere are ignored.
	// A zero IP accepts any destination address.
	MAC [6]byte
	IP  [4]byte
	// MaxPorts is the capacity of the port registry.
	MaxPorts int
	// MaxSockets is the capacity of the socket table.
	MaxSockets int
	// TxBufferSize is the size in bytes of each socket's staging buffer.
	TxBufferSize int
	// Window is the fixed receive window advertised in every segment.
	Window uint16
	// MTU limits the size of outbound IPv4 packets. Local MSS is MTU-40.
	MTU int
	// TimeoutTicks is the inactivity, in ticks, after which the sweeper closes a socket.
	TimeoutTicks uint32
	// Buffers is the number of frame buffers created when Allocator is nil.
	Buffers int
	// SkipChecksum disables inbound checksum verification, for links that offload it.
	SkipChecksum bool
	// Link sends frames. Required.
	Link Link
	// Allocator provides outbound frame buffers. If nil a [BufferPool] is created.
	Allocator Allocator
	// NewISS returns initial send sequence numbers. Defaults to the RFC 9293 clock.
	NewISS func() seqs.Value
	Logger *slog.Logger
}

func DefaultStackConfig() StackConfig {
	return StackConfig{
		MaxPorts:     4,
		MaxSockets:   8,
		TxBufferSize: 2048,
		Window:       2048,
		MTU:          MTU,
		TimeoutTicks: 30,
		Buffers:      4,
	}
}

func (cfg *StackConfig) validate() error {
	switch {
	case cfg.Link == nil:
		return errors.New("nil Link")
	case cfg.MaxPorts <= 0 || cfg.MaxSockets <= 0:
		return errors.New("zero port or socket capacity")
	case cfg.MaxSockets > 1<<16:
		return errors.New("too many sockets")
	case cfg.TxBufferSize <= 0:
		return errors.New("zero transmit buffer size")
	case cfg.MTU < minMTU || cfg.MTU > 9000:
		return errors.New("bad MTU")
	case cfg.Allocator == nil && cfg.Buffers <= 0:
		return errors.New("no allocator and zero buffers")
	case cfg.Window == 0:
		return errors.New("zero window")
	}
	return nil
}

// frameSize is the size of the largest frame the stack sends.
func (cfg *StackConfig) frameSize() int { return eth.SizeEthernetHeader + cfg.MTU }

// localMSS is the largest payload the stack accepts or sends in one segment.
func (cfg *StackConfig) localMSS() uint16 {
	return uint16(cfg.MTU - eth.SizeIPv4Header - eth.SizeTCPHeader)
}
