package buffer

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, this is a test frame")

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer got.Release()

	if !bytes.Equal(got.Slice(), payload) {
		t.Fatalf("got %q want %q", got.Slice(), payload)
	}
}

func TestFrameTooLargeRejectedOnWrite(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxFrame+1)

	err := WriteFrame(&buf, oversized)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDatagramSizeCheck(t *testing.T) {
	if err := CheckDatagramSize(1400, 1500); err != nil {
		t.Fatalf("unexpected error for in-bounds datagram: %v", err)
	}
	if err := CheckDatagramSize(1600, 1500); !errors.Is(err, ErrDatagramTooLarge) {
		t.Fatalf("expected ErrDatagramTooLarge, got %v", err)
	}
}

func TestAllocReleaseReuse(t *testing.T) {
	b := Alloc(100)
	if len(b.Slice()) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(b.Slice()))
	}
	b.Release()

	b2 := Alloc(100)
	defer b2.Release()
	if len(b2.Slice()) != 100 {
		t.Fatalf("expected 100 bytes after reuse, got %d", len(b2.Slice()))
	}
}
