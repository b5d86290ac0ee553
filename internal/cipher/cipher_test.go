package cipher

import (
	"bytes"
	"testing"
)

func TestNoOpRoundTrip(t *testing.T) {
	c := New(KindNoOp, nil)
	msg := []byte("hello world")
	orig := append([]byte(nil), msg...)
	enc := c.Encrypt(msg)
	if !bytes.Equal(enc, orig) {
		t.Fatalf("noop changed bytes: %x", enc)
	}
	dec := c.Decrypt(enc)
	if !bytes.Equal(dec, orig) {
		t.Fatalf("noop decrypt mismatch: %x", dec)
	}
}

func TestXorRoundTrip(t *testing.T) {
	key := []byte{0x11, 0x22, 0x33}
	c := New(KindXor, key)
	orig := []byte("the quick brown fox jumps")
	buf := append([]byte(nil), orig...)

	c.Encrypt(buf)
	if bytes.Equal(buf, orig) {
		t.Fatal("xor did not change plaintext")
	}

	c2 := New(KindXor, key)
	c2.Decrypt(buf)
	if !bytes.Equal(buf, orig) {
		t.Fatalf("xor round trip failed: got %q want %q", buf, orig)
	}
}

func TestRotationRoundTripSequence(t *testing.T) {
	key := []byte{1, 2, 3, 4, 5}
	enc := New(KindRotation, append([]byte(nil), key...))
	dec := New(KindRotation, append([]byte(nil), key...))

	for i := 0; i < 10000; i++ {
		frame := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		orig := append([]byte(nil), frame...)

		enc.Encrypt(frame)
		dec.Decrypt(frame)

		if !bytes.Equal(frame, orig) {
			t.Fatalf("frame %d desynced: got %x want %x", i, frame, orig)
		}
	}
}

func TestRotationNotStreamable(t *testing.T) {
	c := New(KindRotation, []byte{1})
	if c.Streamable() {
		t.Fatal("rotation cipher must not be marked streamable (UDP-unsafe)")
	}
	if !New(KindXor, []byte{1}).Streamable() {
		t.Fatal("xor cipher must be streamable")
	}
	if !New(KindNoOp, nil).Streamable() {
		t.Fatal("noop cipher must be streamable")
	}
}

func TestEmptyKeyDegradesToNoOp(t *testing.T) {
	c := New(KindXor, nil)
	orig := []byte("abc")
	buf := append([]byte(nil), orig...)
	c.Encrypt(buf)
	// key defaults to {0}, so XOR with zero is identity.
	if !bytes.Equal(buf, orig) {
		t.Fatalf("expected identity transform with empty key, got %x", buf)
	}
}
