package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned by ReadFrame when a TCP frame's declared
// length exceeds MaxFrame. The caller must treat this as a ProtocolError
// and tear down the connection (spec §8: "over TCP raises ProtocolError
// and drops the connection").
var ErrFrameTooLarge = errors.New("buffer: frame exceeds max size")

// WriteFrame writes one TCP frame: a big-endian u16 length prefix followed
// by the already-ciphered payload. payload must be <= MaxFrame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed TCP frame into a pooled buffer. The
// caller owns the returned Bytes and must Release it.
func ReadFrame(r io.Reader) (*Bytes, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	b := Alloc(n)
	if n > 0 {
		if _, err := io.ReadFull(r, b.Slice()); err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

// ErrDatagramTooLarge is returned when an inbound UDP datagram exceeds the
// MTU; per spec §4.2 such datagrams are dropped, not treated as a protocol
// error.
var ErrDatagramTooLarge = errors.New("buffer: datagram exceeds mtu")

// CheckDatagramSize validates an inbound UDP datagram against the
// configured MTU before any further processing.
func CheckDatagramSize(n, mtu int) error {
	if n > mtu {
		return fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, n, mtu)
	}
	return nil
}
