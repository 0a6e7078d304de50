// Package pcap reads and writes classic libpcap capture streams of Ethernet frames.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkTypeEthernet is the libpcap DLT of IEEE 802.3 Ethernet frames.
const LinkTypeEthernet uint32 = 1

const (
	magicMicros  = 0xa1b2c3d4
	magicSwapped = 0xd4c3b2a1
	sizeFileHdr  = 24
	sizeRecHdr   = 16
	versionMajor = 2
	versionMinor = 4
	// maxRecord bounds the size of a record read. Larger records are corrupt.
	maxRecord = 1 << 18
)

var (
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	ErrHeaderNotWritten     = errors.New("pcap: file header not written")
	ErrBadMagic             = errors.New("pcap: bad magic number")
)

// CaptureInfo is the record metadata of one captured frame.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	// Length is the size of the frame on the wire, CaptureLength or greater.
	Length int
}

// Writer writes a capture stream. WriteFileHeader must be called once before frames are written.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFileHeader writes the 24 byte global header.
func (w *Writer) WriteFileHeader(snapLen, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}
	var hdr [sizeFileHdr]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicros)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// Timezone offset and sigfigs are always zero.
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}
	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WritePacket appends a record holding the first ci.CaptureLength bytes of data.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	switch {
	case !w.headerWritten:
		return ErrHeaderNotWritten
	case ci.CaptureLength < 0 || ci.Length < 0:
		return fmt.Errorf("pcap: negative length %d/%d", ci.CaptureLength, ci.Length)
	case ci.CaptureLength > len(data):
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	case uint64(ci.Length) > math.MaxUint32:
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	case w.snapLen != 0 && uint64(ci.CaptureLength) > uint64(w.snapLen):
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", ci.CaptureLength, w.snapLen)
	}
	var sec, usec uint32
	if !ci.Timestamp.IsZero() {
		unix := ci.Timestamp.Unix()
		if unix < 0 || unix > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp %d out of range", unix)
		}
		sec = uint32(unix)
		usec = uint32(ci.Timestamp.Nanosecond() / 1000)
	}
	var rec [sizeRecHdr]byte
	binary.LittleEndian.PutUint32(rec[0:4], sec)
	binary.LittleEndian.PutUint32(rec[4:8], usec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ci.CaptureLength))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if ci.CaptureLength == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:ci.CaptureLength]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// WriteFrame writes a full frame captured at ts.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	return w.WritePacket(CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}, frame)
}

// Reader reads a capture stream with microsecond timestamps in either byte order.
type Reader struct {
	r        io.Reader
	order    binary.ByteOrder
	snapLen  uint32
	linkType uint32
	rec      [sizeRecHdr]byte
}

// NewReader reads the global header from r.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [sizeFileHdr]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	rd := &Reader{r: r}
	switch binary.LittleEndian.Uint32(hdr[0:4]) {
	case magicMicros:
		rd.order = binary.LittleEndian
	case magicSwapped:
		rd.order = binary.BigEndian
	default:
		return nil, ErrBadMagic
	}
	if major := rd.order.Uint16(hdr[4:6]); major != versionMajor {
		return nil, fmt.Errorf("pcap: unsupported version %d", major)
	}
	rd.snapLen = rd.order.Uint32(hdr[16:20])
	rd.linkType = rd.order.Uint32(hdr[20:24])
	return rd, nil
}

func (rd *Reader) LinkType() uint32 { return rd.linkType }
func (rd *Reader) SnapLen() uint32  { return rd.snapLen }

// ReadPacket reads the next record into buf and returns its metadata.
// Records larger than buf are truncated to len(buf). io.EOF is returned
// at the end of the stream.
func (rd *Reader) ReadPacket(buf []byte) (ci CaptureInfo, n int, err error) {
	_, err = io.ReadFull(rd.r, rd.rec[:])
	if err == io.EOF {
		return ci, 0, io.EOF
	} else if err != nil {
		return ci, 0, fmt.Errorf("pcap: read record header: %w", err)
	}
	sec := rd.order.Uint32(rd.rec[0:4])
	usec := rd.order.Uint32(rd.rec[4:8])
	caplen := rd.order.Uint32(rd.rec[8:12])
	ci = CaptureInfo{
		Timestamp:     time.Unix(int64(sec), int64(usec)*1000),
		CaptureLength: int(caplen),
		Length:        int(rd.order.Uint32(rd.rec[12:16])),
	}
	if caplen > maxRecord {
		return ci, 0, fmt.Errorf("pcap: record length %d too large", caplen)
	}
	n = min(len(buf), int(caplen))
	if _, err = io.ReadFull(rd.r, buf[:n]); err != nil {
		return ci, 0, fmt.Errorf("pcap: read packet data: %w", err)
	}
	if skip := int64(caplen) - int64(n); skip > 0 {
		if _, err = io.CopyN(io.Discard, rd.r, skip); err != nil {
			return ci, n, fmt.Errorf("pcap: skip packet data: %w", err)
		}
	}
	return ci, n, nil
}
