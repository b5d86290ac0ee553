// Package transport implements the ciphered, length-prefixed TCP framing
// (C2) as a conn wrapper shared by the node's C5 handler and the
// server's C8 core, plus the bounded per-peer egress queue used to
// deliver relayed messages without letting a slow peer block the writer.
package transport

import (
	"net"

	"meshtun/internal/buffer"
	"meshtun/internal/cipher"
	"meshtun/internal/proto"
)

// FramedConn is a TCP connection with message framing and ciphering
// applied on every read/write.
type FramedConn struct {
	conn   net.Conn
	cipher cipher.Cipher
}

// NewFramedConn wraps conn. cipher must not be KindRotation unless conn
// carries ordered, non-duplicated bytes (true for TCP, per spec §4.1).
func NewFramedConn(conn net.Conn, c cipher.Cipher) *FramedConn {
	return &FramedConn{conn: conn, cipher: c}
}

// Send encodes and writes one message.
func (c *FramedConn) Send(msg proto.Message) error {
	payload, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.cipher.Encrypt(payload)
	return buffer.WriteFrame(c.conn, payload)
}

// Recv reads and decodes the next message. The caller must not retain the
// returned Message's byte slices beyond reuse boundaries already copied
// out by proto.Decode (Decode always returns owned copies).
func (c *FramedConn) Recv() (proto.Message, error) {
	frame, err := buffer.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	defer frame.Release()

	payload := c.cipher.Decrypt(frame.Slice())
	return proto.Decode(payload)
}

func (c *FramedConn) Close() error { return c.conn.Close() }

func (c *FramedConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
