// Package packet implements the wire codec: a growable byte buffer with a
// read cursor, fixed-width little-endian integers, length-prefixed UTF-8
// strings, LEB128-style varints, a simple run-length encoding, and a
// row/column transpose used to pack columnar input batches.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortRead is returned (wrapped) when a read would run past the end of
// the buffer. Callers that see this from reading off the network should
// treat the peer's data as malformed and close the connection.
var ErrShortRead = errors.New("packet: short read")

// Packet is a byte buffer with an independent read cursor. Zero value is an
// empty, ready-to-use packet.
type Packet struct {
	buf    []byte
	cursor int
}

// New returns a Packet wrapping a copy of data, cursor at 0.
func New(data []byte) *Packet {
	p := &Packet{buf: make([]byte, len(data))}
	copy(p.buf, data)
	return p
}

// Reset clears the buffer and cursor, returning p for chaining.
func (p *Packet) Reset() *Packet {
	p.buf = p.buf[:0]
	p.cursor = 0
	return p
}

// Swap exchanges the contents of p and other, used by the double-buffered
// flush in package transport so a writer never blocks on a goroutine still
// appending to the live buffer.
func (p *Packet) Swap(other *Packet) {
	p.buf, other.buf = other.buf, p.buf
	p.cursor, other.cursor = other.cursor, p.cursor
}

// Bytes returns the full underlying buffer (not just the unread tail).
func (p *Packet) Bytes() []byte { return p.buf }

// Unread returns the bytes from the cursor to the end of the buffer.
func (p *Packet) Unread() []byte { return p.buf[p.cursor:] }

// Len returns the total buffer length.
func (p *Packet) Len() int { return len(p.buf) }

// Available reports how many unread bytes remain.
func (p *Packet) Available() int { return len(p.buf) - p.cursor }

// Empty reports whether the buffer has no bytes at all.
func (p *Packet) Empty() bool { return len(p.buf) == 0 }

func (p *Packet) need(n int) error {
	if p.Available() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortRead, n, p.Available())
	}
	return nil
}

// --- raw byte access ---

// WriteBytes appends raw bytes with no length prefix.
func (p *Packet) WriteBytes(b []byte) *Packet {
	p.buf = append(p.buf, b...)
	return p
}

// ReadBytes consumes and returns exactly n raw bytes.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	if err := p.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p.buf[p.cursor:p.cursor+n])
	p.cursor += n
	return out, nil
}

// --- fixed width integers, little-endian ---

func (p *Packet) WriteU8(v uint8) *Packet { p.buf = append(p.buf, v); return p }

func (p *Packet) ReadU8() (uint8, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.buf[p.cursor]
	p.cursor++
	return v, nil
}

func (p *Packet) WriteU16(v uint16) *Packet {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return p.WriteBytes(b[:])
}

func (p *Packet) ReadU16() (uint16, error) {
	b, err := p.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (p *Packet) WriteU32(v uint32) *Packet {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.WriteBytes(b[:])
}

func (p *Packet) ReadU32() (uint32, error) {
	b, err := p.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *Packet) WriteU64(v uint64) *Packet {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.WriteBytes(b[:])
}

func (p *Packet) ReadU64() (uint64, error) {
	b, err := p.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (p *Packet) WriteF64(v float64) *Packet {
	return p.WriteU64(math.Float64bits(v))
}

func (p *Packet) ReadF64() (float64, error) {
	u, err := p.ReadU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// --- length-prefixed UTF-8 strings ---

// WriteString writes a varint byte-length followed by the UTF-8 bytes.
func (p *Packet) WriteString(s string) *Packet {
	p.WriteVarint(uint64(len(s)))
	return p.WriteBytes([]byte(s))
}

// ReadString reads a varint-prefixed UTF-8 string.
func (p *Packet) ReadString() (string, error) {
	n, err := p.ReadVarint()
	if err != nil {
		return "", err
	}
	b, err := p.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- varint: unsigned LEB128, 7 bits per byte, high bit = continuation ---

// WriteVarint appends v as an unsigned LEB128 varint.
func (p *Packet) WriteVarint(v uint64) *Packet {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		p.buf = append(p.buf, b)
		if v == 0 {
			return p
		}
	}
}

// ReadVarint reads an unsigned LEB128 varint.
func (p *Packet) ReadVarint() (uint64, error) {
	var value uint64
	var shift uint
	for {
		b, err := p.ReadU8()
		if err != nil {
			return 0, fmt.Errorf("varint: %w", err)
		}
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, errors.New("packet: varint too long")
		}
	}
}

// --- run-length encoding ---
//
// WriteRLE encodes data as a sequence of records. A literal record is
// varint(n) (n >= 1) followed by n raw bytes. A repeated-byte record is
// varint(0), varint(count), then a single raw byte repeated count times on
// decode. Any byte string can always be encoded as one literal record, so
// ReadRLE(WriteRLE(b)) == b holds for every b regardless of how aggressively
// WriteRLE chooses to fold runs.
func WriteRLE(dst *Packet, data []byte) {
	i := 0
	for i < len(data) {
		// Find a run of identical bytes starting at i.
		j := i + 1
		for j < len(data) && data[j] == data[i] && j-i < 1<<32-1 {
			j++
		}
		runLen := j - i
		if runLen >= 4 {
			dst.WriteVarint(0)
			dst.WriteVarint(uint64(runLen))
			dst.WriteU8(data[i])
			i = j
			continue
		}
		// Fold the run (and anything following it that isn't itself a
		// profitable run) into a single literal record.
		litStart := i
		i = j
		for i < len(data) {
			k := i + 1
			for k < len(data) && data[k] == data[i] {
				k++
			}
			if k-i >= 4 {
				break
			}
			i = k
		}
		dst.WriteVarint(uint64(i - litStart))
		dst.WriteBytes(data[litStart:i])
	}
}

// ReadRLE decodes a byte string written by WriteRLE. n is the exact number
// of decoded bytes expected; it is not itself part of the encoding.
func ReadRLE(src *Packet, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		runOrLitLen, err := src.ReadVarint()
		if err != nil {
			return nil, fmt.Errorf("rle: %w", err)
		}
		if runOrLitLen == 0 {
			count, err := src.ReadVarint()
			if err != nil {
				return nil, fmt.Errorf("rle: %w", err)
			}
			b, err := src.ReadU8()
			if err != nil {
				return nil, fmt.Errorf("rle: %w", err)
			}
			for k := uint64(0); k < count; k++ {
				out = append(out, b)
			}
			continue
		}
		lit, err := src.ReadBytes(int(runOrLitLen))
		if err != nil {
			return nil, fmt.Errorf("rle: %w", err)
		}
		out = append(out, lit...)
	}
	if len(out) != n {
		return nil, fmt.Errorf("rle: decoded %d bytes, expected %d", len(out), n)
	}
	return out, nil
}

// Transpose reinterprets data as a rows*cols row-major byte matrix
// (len(data) must equal rows*cols) and returns its column-major transpose.
// Transpose(Transpose(p, r, c), c, r) reproduces p exactly.
func Transpose(data []byte, rows, cols int) ([]byte, error) {
	if rows*cols != len(data) {
		return nil, fmt.Errorf("packet: transpose %dx%d does not match %d bytes", rows, cols, len(data))
	}
	out := make([]byte, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out, nil
}
