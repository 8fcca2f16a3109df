package codec

import (
	"errors"
	"fmt"
)

// ErrMalformed is the sentinel wrapped by every decode failure. Malformed
// payloads are a normal outcome of replaying arbitrary chain data and must
// never abort processing.
var ErrMalformed = errors.New("malformed payload")

// AppendVarint appends v as an unsigned LEB128 varint: 7 data bits per
// byte, low-order byte first, high bit set on every byte but the last.
func AppendVarint(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// appendString appends s truncated to 255 bytes plus a NUL terminator.
func appendString(dst []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	dst = append(dst, s...)
	return append(dst, 0)
}

// reader walks a raw payload. All read methods fail on truncation instead
// of panicking; the position of the first bad byte is carried in the error.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) varint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if r.pos >= len(r.data) {
			return 0, fmt.Errorf("%w: truncated varint at byte %d", ErrMalformed, r.pos)
		}
		if shift > 63 {
			return 0, fmt.Errorf("%w: varint overflow at byte %d", ErrMalformed, r.pos)
		}
		b := r.data[r.pos]
		r.pos++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

func (r *reader) str() (string, error) {
	start := r.pos
	for r.pos < len(r.data) {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", fmt.Errorf("%w: unterminated string at byte %d", ErrMalformed, start)
}

// varintList reads varints until the payload ends.
func (r *reader) varintList() ([]int64, error) {
	var out []int64
	for r.pos < len(r.data) {
		v, err := r.varint()
		if err != nil {
			return nil, err
		}
		out = append(out, int64(v))
	}
	return out, nil
}

func (r *reader) remaining() bool {
	return r.pos < len(r.data)
}
