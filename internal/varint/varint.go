// Package varint implements the unsigned LEB128 variable-length integer
// encoding used to pack document ids, change ids, and collection counts
// into the change log and Raft log wire formats.
package varint

// MaxLen64 is the longest encoding of a uint64 value, 10 bytes.
const MaxLen64 = 10

// AppendUint64 appends the LEB128 encoding of v to dst and returns the
// extended slice.
func AppendUint64(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// AppendUint32 appends the LEB128 encoding of v to dst and returns the
// extended slice.
func AppendUint32(dst []byte, v uint32) []byte {
	return AppendUint64(dst, uint64(v))
}

// Uint64 decodes a LEB128-encoded uint64 from the start of src. It
// returns the decoded value, the number of bytes consumed, and false if
// src does not contain a complete, non-overflowing encoding.
func Uint64(src []byte) (v uint64, n int, ok bool) {
	var shift uint
	for n < len(src) {
		b := src[n]
		n++
		if shift >= 64 {
			return 0, 0, false
		}
		if shift == 63 && b > 1 {
			// The 10th byte may only carry the top bit of a uint64.
			return 0, 0, false
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, n, true
		}
		shift += 7
	}
	return 0, 0, false
}

// Uint32 decodes a LEB128-encoded uint32 from the start of src.
func Uint32(src []byte) (v uint32, n int, ok bool) {
	u, n, ok := Uint64(src)
	if !ok || u > 0xffffffff {
		return 0, 0, false
	}
	return uint32(u), n, true
}

// Skip advances past one LEB128-encoded value in src without decoding
// it, returning the number of bytes consumed.
func Skip(src []byte) (n int, ok bool) {
	for n < len(src) {
		b := src[n]
		n++
		if b&0x80 == 0 {
			return n, true
		}
	}
	return 0, false
}

// Reader decodes a sequence of LEB128 values from an in-memory buffer,
// tracking position the way the change log and Raft log entry decoders
// need to (read several values back to back, then a variable number of
// raw bytes).
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Uint64 reads the next LEB128-encoded uint64.
func (r *Reader) Uint64() (uint64, bool) {
	v, n, ok := Uint64(r.buf[r.pos:])
	if !ok {
		return 0, false
	}
	r.pos += n
	return v, true
}

// Uint32 reads the next LEB128-encoded uint32.
func (r *Reader) Uint32() (uint32, bool) {
	v, n, ok := Uint32(r.buf[r.pos:])
	if !ok {
		return 0, false
	}
	r.pos += n
	return v, true
}

// Byte reads a single raw byte, used for the one-byte collection tag
// that precedes each Raft log change entry.
func (r *Reader) Byte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

// Skip advances past one LEB128 value without decoding it.
func (r *Reader) Skip() bool {
	n, ok := Skip(r.buf[r.pos:])
	if !ok {
		return false
	}
	r.pos += n
	return true
}

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Done reports whether the reader has consumed the entire buffer.
func (r *Reader) Done() bool {
	return r.pos >= len(r.buf)
}
