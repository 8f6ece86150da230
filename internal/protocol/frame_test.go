package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := []byte(`{"v":1,"type":"hello"}`)
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	fr := NewFrameReader(&buf, 0)
	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("a"), 100)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	fr := NewFrameReader(&buf, 10)
	if _, err := fr.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameAtMaxSizeDecodes(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("a"), 10)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	fr := NewFrameReader(&buf, 10)
	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame at exact max: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %s, want %s", got, payload)
	}
}

func TestFrameInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{0xff, 0xfe, 0xfd}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	fr := NewFrameReader(&buf, 0)
	if _, err := fr.ReadFrame(); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}

func TestFrameTruncatedLengthPrefix(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00})
	fr := NewFrameReader(buf, 0)
	if _, err := fr.ReadFrame(); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	fr := NewFrameReader(&buf, 0)
	for _, want := range frames {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %s, want %s", got, want)
		}
	}
}
