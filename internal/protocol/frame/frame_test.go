package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		genID   uint64
		payload []byte
	}{
		{genID: 0, payload: KeepaliveMessage},
		{genID: 42, payload: []byte("frr version 8.4\nrouter bgp 65000\n")},
		{genID: 1 << 63, payload: []byte{}},
		{genID: 7, payload: bytes.Repeat([]byte{0xA5}, 4096)},
	}
	for _, tc := range cases {
		wire := Encode(tc.genID, tc.payload)
		if len(wire) != HeaderLen+len(tc.payload) {
			t.Fatalf("unexpected wire len=%d", len(wire))
		}
		f, n, err := Decode(wire, DefaultLimits())
		if err != nil {
			t.Fatalf("decode genid=%d: %v", tc.genID, err)
		}
		if n != len(wire) {
			t.Fatalf("consumed=%d want=%d", n, len(wire))
		}
		if f.GenID != tc.genID || f.Length != uint64(len(tc.payload)) || !bytes.Equal(f.Payload, tc.payload) {
			t.Fatalf("frame mismatch: got=%+v", f)
		}
	}
}

func TestEncodeUsesHostByteOrder(t *testing.T) {
	wire := Encode(42, []byte("Ok"))
	if got := ByteOrder.Uint64(wire[0:8]); got != 2 {
		t.Fatalf("length field=%d", got)
	}
	if got := ByteOrder.Uint64(wire[8:16]); got != 42 {
		t.Fatalf("genid field=%d", got)
	}
	if string(wire[16:]) != "Ok" {
		t.Fatalf("payload=%q", wire[16:])
	}
}

func TestDecodeShortHeaderIsTruncated(t *testing.T) {
	wire := Encode(9, []byte("x"))
	for i := 0; i < HeaderLen; i++ {
		if _, _, err := Decode(wire[:i], DefaultLimits()); !errors.Is(err, ErrTruncated) {
			t.Fatalf("prefix=%d expected ErrTruncated, got %v", i, err)
		}
	}
}

func TestDecodeShortPayloadIsTruncated(t *testing.T) {
	wire := Encode(9, []byte("router ospf"))
	if _, _, err := Decode(wire[:len(wire)-1], DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeOversizeIsMalformed(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 8}
	wire := Encode(3, []byte("123456789"))
	_, _, err := Decode(wire[:HeaderLen], limits)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if errors.Is(err, ErrTruncated) {
		t.Fatalf("malformed must not be truncated")
	}
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	a := Encode(1, []byte("a"))
	b := Encode(2, []byte("bb"))
	wire := append(append([]byte{}, a...), b...)
	f, n, err := Decode(wire, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.GenID != 1 || n != len(a) {
		t.Fatalf("unexpected first frame=%+v n=%d", f, n)
	}
	f, _, err = Decode(wire[n:], DefaultLimits())
	if err != nil || f.GenID != 2 || string(f.Payload) != "bb" {
		t.Fatalf("unexpected second frame=%+v err=%v", f, err)
	}
}

func TestDecoderSplitAtEveryBoundary(t *testing.T) {
	payload := []byte("interface eth0\n ip address 10.0.0.1/24\n")
	wire := Encode(42, payload)
	for split := 0; split <= len(wire); split++ {
		d := NewDecoder(DefaultLimits())
		d.Feed(wire[:split])
		f, err := d.Next()
		if split < len(wire) {
			if !errors.Is(err, ErrTruncated) {
				t.Fatalf("split=%d expected ErrTruncated, got %v", split, err)
			}
			d.Feed(wire[split:])
			f, err = d.Next()
		}
		if err != nil {
			t.Fatalf("split=%d decode: %v", split, err)
		}
		if f.GenID != 42 || !bytes.Equal(f.Payload, payload) {
			t.Fatalf("split=%d frame mismatch: %+v", split, f)
		}
		if d.Buffered() != 0 {
			t.Fatalf("split=%d leftover=%d", split, d.Buffered())
		}
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	wire := append(Encode(0, KeepaliveMessage), Encode(5, []byte("cfg"))...)
	d := NewDecoder(DefaultLimits())
	var got []Frame
	for _, b := range wire {
		d.Feed([]byte{b})
		f, err := d.Next()
		if errors.Is(err, ErrTruncated) {
			continue
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, f)
	}
	if len(got) != 2 {
		t.Fatalf("frames=%d", len(got))
	}
	if !got[0].IsKeepalive() || got[1].GenID != 5 || string(got[1].Payload) != "cfg" {
		t.Fatalf("unexpected frames: %+v", got)
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, New(42, []byte("Ok")), DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	f, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.GenID != 42 || string(f.Payload) != "Ok" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	wire := Encode(1, []byte("abcdef"))
	_, err := ReadFrame(bytes.NewReader(wire[:HeaderLen+2]), DefaultLimits())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, New(1, []byte("toolong")), Limits{MaxPayloadBytes: 2})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written")
	}
}
