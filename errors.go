package cywtcp

import (
	"errors"

	"github.com/soypat/cywtcp/internal/tcpctl"
)

// Errors returned by the stack. Errors returned by [Stack.RecvTCP] and
// [Stack.RecvEth] describe why a segment was dropped. They are informative only:
// a dropped segment never changes connection state and never produces a reply.
var (
	// ErrPoolFull is returned when the socket table or the buffer allocator is at capacity.
	ErrPoolFull          = errors.New("pool full")
	ErrPortNotRegistered = errors.New("port not registered")
	ErrMalformedSegment  = errors.New("malformed segment")
	ErrInvalidFlags      = tcpctl.ErrInvalidFlags
	ErrPortsFull         = errors.New("port registry full")
	ErrPortInUse         = errors.New("port already registered")
	ErrSocketExists      = errors.New("socket already exists")
	// ErrStaleHandle is returned when a socket handle refers to a closed connection.
	ErrStaleHandle  = errors.New("stale socket handle")
	ErrNotConnected = errors.New("not connected")
	// ErrBufferFull is returned by [Stack.Send] when the staging buffer cannot hold all data.
	ErrBufferFull = errors.New("transmit buffer full")

	errStateChanged = errors.New("socket changed during processing")
	errShortFrame   = errors.New("frame too short")
	errFragmented   = errors.New("fragmented IPv4 not supported")
	errBadIP        = errors.New("bad IPv4 header")
	errLinkSend     = errors.New("link send failed")
)
