package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Format descriptor errors.
var (
	ErrInvalidFormatDescriptor = errors.New("invalid format descriptor")
	ErrUnsupportedFormat       = errors.New("unsupported format")
)

// Kind identifies the primitive a format decodes to.
type Kind uint8

const (
	KindRaw Kind = iota
	KindUint
	KindInt
	KindString
)

// Format is a parsed register value descriptor. Descriptors follow the
// Python struct convention used by the vendor register maps: an endianness
// prefix ('>' big, '<' little) followed by a type letter (B/b 8-bit,
// H/h 16-bit, I/i 32-bit, upper case unsigned) or Sxx for a string of xx
// bytes. The empty descriptor is raw byte passthrough.
type Format struct {
	Kind   Kind
	Order  binary.ByteOrder
	Width  int // byte width for numeric kinds, string length for KindString
	Raw    string
}

// ParseFormat parses a format descriptor once at the boundary so hot paths
// dispatch on the parsed form instead of re-parsing the string.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return Format{Kind: KindRaw, Raw: ""}, nil
	}

	var order binary.ByteOrder
	switch s[0] {
	case '>':
		order = binary.BigEndian
	case '<':
		order = binary.LittleEndian
	default:
		return Format{}, fmt.Errorf("%w: %q must start with '>' or '<'", ErrInvalidFormatDescriptor, s)
	}

	rest := s[1:]
	if strings.HasPrefix(rest, "S") {
		length, err := strconv.Atoi(rest[1:])
		if err != nil || length <= 0 {
			return Format{}, fmt.Errorf("%w: bad string length in %q", ErrInvalidFormatDescriptor, s)
		}
		return Format{Kind: KindString, Order: order, Width: length, Raw: s}, nil
	}

	if len(rest) != 1 {
		return Format{}, fmt.Errorf("%w: %q", ErrInvalidFormatDescriptor, s)
	}

	var kind Kind
	var width int
	switch rest[0] {
	case 'B':
		kind, width = KindUint, 1
	case 'b':
		kind, width = KindInt, 1
	case 'H':
		kind, width = KindUint, 2
	case 'h':
		kind, width = KindInt, 2
	case 'I':
		kind, width = KindUint, 4
	case 'i':
		kind, width = KindInt, 4
	default:
		return Format{}, fmt.Errorf("%w: unknown type %q in %q", ErrInvalidFormatDescriptor, rest, s)
	}

	return Format{Kind: kind, Order: order, Width: width, Raw: s}, nil
}

// MustFormat parses a descriptor and panics on failure. For static register maps.
func MustFormat(s string) Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Registers returns the number of 16-bit registers the format occupies.
func (f Format) Registers() uint16 {
	if f.Kind == KindRaw {
		return 1
	}
	return uint16((f.Width + 1) / 2)
}

// Decode interprets raw according to the format. Numeric kinds return
// int64, KindString returns string and KindRaw returns the bytes untouched.
func (f Format) Decode(raw []byte) (any, error) {
	switch f.Kind {
	case KindRaw:
		return raw, nil
	case KindString:
		if len(raw) != f.Width {
			return nil, fmt.Errorf("%w: %q needs %d bytes, got %d", ErrUnsupportedFormat, f.Raw, f.Width, len(raw))
		}
		return strings.TrimRight(string(raw), "\x00"), nil
	}

	if len(raw) != f.Width {
		return nil, fmt.Errorf("%w: %q needs %d bytes, got %d", ErrUnsupportedFormat, f.Raw, f.Width, len(raw))
	}

	var u uint64
	switch f.Width {
	case 1:
		u = uint64(raw[0])
	case 2:
		u = uint64(f.Order.Uint16(raw))
	case 4:
		u = uint64(f.Order.Uint32(raw))
	}

	if f.Kind == KindInt {
		switch f.Width {
		case 1:
			return int64(int8(u)), nil
		case 2:
			return int64(int16(u)), nil
		case 4:
			return int64(int32(u)), nil
		}
	}
	return int64(u), nil
}

// DecodeInt is Decode restricted to numeric formats.
func (f Format) DecodeInt(raw []byte) (int64, error) {
	v, err := f.Decode(raw)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrUnsupportedFormat, f.Raw)
	}
	return n, nil
}

// Encode is the inverse of Decode for numeric formats, so that
// Decode(Encode(v)) == v for every representable v.
func (f Format) Encode(v int64) ([]byte, error) {
	if f.Kind != KindUint && f.Kind != KindInt {
		return nil, fmt.Errorf("%w: cannot encode %q from an integer", ErrUnsupportedFormat, f.Raw)
	}

	raw := make([]byte, f.Width)
	switch f.Width {
	case 1:
		raw[0] = byte(v)
	case 2:
		f.Order.PutUint16(raw, uint16(v))
	case 4:
		f.Order.PutUint32(raw, uint32(v))
	}
	return raw, nil
}

// ParseNumber parses a register address, size or value given in either
// hexadecimal ("0x...") or decimal textual form.
func ParseNumber(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	var n uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err = strconv.ParseUint(s[2:], 16, 16)
	} else {
		n, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return 0, fmt.Errorf("not a non-negative 16-bit number: %q", s)
	}
	return uint16(n), nil
}
