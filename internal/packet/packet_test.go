package packet

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestVarintBoundaries(t *testing.T) {
	cases := []struct {
		v    uint64
		n    int
		last byte
	}{
		{127, 1, 127},
		{128, 2, 0x01},
		{16383, 2, 0x7F},
	}
	for _, c := range cases {
		p := New(nil)
		p.WriteVarint(c.v)
		if got := p.Len(); got != c.n {
			t.Fatalf("varint(%d): encoded length = %d, want %d (bytes=%v)", c.v, got, c.n, p.Bytes())
		}
		if got := p.Bytes()[c.n-1]; got != c.last {
			t.Fatalf("varint(%d): last byte = %#x, want %#x", c.v, got, c.last)
		}
		got, err := New(p.Bytes()).ReadVarint()
		if err != nil {
			t.Fatalf("varint(%d): read back: %v", c.v, err)
		}
		if got != c.v {
			t.Fatalf("varint(%d): round trip got %d", c.v, got)
		}
	}
}

func TestVarintRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		v := r.Uint64() >> (r.Intn(64))
		p := New(nil)
		p.WriteVarint(v)
		got, err := New(p.Bytes()).ReadVarint()
		if err != nil || got != v {
			t.Fatalf("round trip failed for %d: got %d, err %v", v, got, err)
		}
	}
}

func TestRLERoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for trial := 0; trial < 200; trial++ {
		n := r.Intn(8192)
		data := make([]byte, n)
		// Bias toward runs so the RLE path actually exercises repeated records.
		for i := 0; i < n; {
			runLen := 1 + r.Intn(20)
			if runLen > n-i {
				runLen = n - i
			}
			b := byte(r.Intn(4))
			for k := 0; k < runLen; k++ {
				data[i+k] = b
			}
			i += runLen
		}
		enc := New(nil)
		WriteRLE(enc, data)
		dec, err := ReadRLE(New(enc.Bytes()), n)
		if err != nil {
			t.Fatalf("trial %d: decode: %v", trial, err)
		}
		if !bytes.Equal(dec, data) {
			t.Fatalf("trial %d: round trip mismatch", trial)
		}
	}
}

func TestRLEEmptyAndAllDistinct(t *testing.T) {
	enc := New(nil)
	WriteRLE(enc, nil)
	dec, err := ReadRLE(New(enc.Bytes()), 0)
	if err != nil || len(dec) != 0 {
		t.Fatalf("empty round trip: dec=%v err=%v", dec, err)
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7}
	enc2 := New(nil)
	WriteRLE(enc2, data)
	dec2, err := ReadRLE(New(enc2.Bytes()), len(data))
	if err != nil || !bytes.Equal(dec2, data) {
		t.Fatalf("distinct-bytes round trip: dec=%v err=%v", dec2, err)
	}
}

func TestTransposeInverse(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	rows, cols := 4, 18 // 4 input samples of 18 bytes each.
	data := make([]byte, rows*cols)
	r.Read(data)

	t1, err := Transpose(data, rows, cols)
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	back, err := Transpose(t1, cols, rows)
	if err != nil {
		t.Fatalf("inverse transpose: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatalf("transpose(transpose(p,r,c),c,r) != p")
	}
}

func TestStringRoundTrip(t *testing.T) {
	p := New(nil)
	p.WriteString("hello, room")
	p.WriteString("")
	p.WriteU32(42)

	r := New(p.Bytes())
	s1, err := r.ReadString()
	if err != nil || s1 != "hello, room" {
		t.Fatalf("s1 = %q, err %v", s1, err)
	}
	s2, err := r.ReadString()
	if err != nil || s2 != "" {
		t.Fatalf("s2 = %q, err %v", s2, err)
	}
	u, err := r.ReadU32()
	if err != nil || u != 42 {
		t.Fatalf("u = %d, err %v", u, err)
	}
}

func TestShortReadIsError(t *testing.T) {
	p := New([]byte{1, 2})
	if _, err := p.ReadU32(); err == nil {
		t.Fatalf("expected short-read error")
	}
}
