package pcap

import (
	"errors"
	"io"
	"sync"
	"time"
)

// Link is a device that sends and receives Ethernet frames.
// A RecvEth returning 0 and a nil error means no frame is available.
type Link interface {
	SendEth(frame []byte) error
	RecvEth(buf []byte) (int, error)
}

// Tap is a Link that writes every frame sent or received through the inner
// Link to a capture stream. Write errors are kept in Err and do not affect the link.
type Tap struct {
	inner Link
	mu    sync.Mutex
	w     *Writer
	now   func() time.Time
	err   error
}

// NewTap writes the capture file header to w and returns a Tap on inner.
func NewTap(inner Link, w io.Writer, snapLen uint32) (*Tap, error) {
	pw := NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &Tap{inner: inner, w: pw, now: time.Now}, nil
}

func (t *Tap) SendEth(frame []byte) error {
	err := t.inner.SendEth(frame)
	if err == nil {
		t.capture(frame)
	}
	return err
}

func (t *Tap) RecvEth(buf []byte) (int, error) {
	n, err := t.inner.RecvEth(buf)
	if n > 0 {
		t.capture(buf[:n])
	}
	return n, err
}

// Err returns the first error encountered writing the capture.
func (t *Tap) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tap) capture(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	snap := len(frame)
	if t.w.snapLen != 0 {
		snap = min(snap, int(t.w.snapLen))
	}
	t.err = t.w.WritePacket(CaptureInfo{Timestamp: t.now(), CaptureLength: snap, Length: len(frame)}, frame)
}

// Replay is a Link that receives the frames of a capture stream in order
// and collects the frames sent to it.
type Replay struct {
	rd   *Reader
	done bool
	// Last is the capture time of the last frame received.
	Last time.Time
	Sent [][]byte
}

// NewReplay returns a Replay of the Ethernet capture read by rd.
func NewReplay(rd *Reader) (*Replay, error) {
	if rd.LinkType() != LinkTypeEthernet {
		return nil, errors.New("pcap: replay requires an Ethernet capture")
	}
	return &Replay{rd: rd}, nil
}

func (r *Replay) SendEth(frame []byte) error {
	r.Sent = append(r.Sent, append([]byte(nil), frame...))
	return nil
}

func (r *Replay) RecvEth(buf []byte) (int, error) {
	if r.done {
		return 0, nil
	}
	ci, n, err := r.rd.ReadPacket(buf)
	if err == io.EOF {
		r.done = true
		return 0, nil
	}
	r.Last = ci.Timestamp
	return n, err
}

// Done reports whether every frame of the capture was received.
func (r *Replay) Done() bool { return r.done }
