package frame

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	Header0 byte = 0xA5
	Header1 byte = 0x5A

	HeaderLen   = 2
	LengthLen   = 1
	CommandLen  = 1
	ChecksumLen = 1

	// Overhead is every byte of a frame that is not data.
	Overhead = HeaderLen + LengthLen + CommandLen + ChecksumLen

	MaxDataLen = 0xFF
)

var (
	ErrBadHeader      = errors.New("frame: bad header")
	ErrTruncated      = errors.New("frame: truncated")
	ErrBadChecksum    = errors.New("frame: bad checksum")
	ErrDataTooLarge   = errors.New("frame: data too large")
	ErrBufferOverflow = errors.New("frame: decode buffer overflow")
)

var header = []byte{Header0, Header1}

// Frame is one complete wire message.
type Frame struct {
	Command  uint8
	Data     []byte
	Checksum uint8
}

// Header is the fixed two-byte preamble every frame starts with.
func (f Frame) Header() [2]byte {
	return [2]byte{Header0, Header1}
}

// DataLen is the length byte carried on the wire.
func (f Frame) DataLen() uint8 {
	return uint8(len(f.Data))
}

// Len is the encoded size of f on the wire.
func (f Frame) Len() int {
	return Overhead + len(f.Data)
}

// Bytes re-encodes f. The checksum is recomputed.
func (f Frame) Bytes() []byte {
	b, err := Encode(f.Command, f.Data)
	if err != nil {
		return nil
	}
	return b
}

func (f Frame) String() string {
	return fmt.Sprintf("cmd=0x%02X len=%d data=% X sum=0x%02X", f.Command, len(f.Data), f.Data, f.Checksum)
}

// Error reports a decode failure with the offending offset in the input.
type Error struct {
	Kind   error
	Offset int
	Want   uint8
	Got    uint8
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrBadChecksum:
		return fmt.Sprintf("%v: offset=%d want=0x%02X got=0x%02X", e.Kind, e.Offset, e.Want, e.Got)
	default:
		return fmt.Sprintf("%v: offset=%d", e.Kind, e.Offset)
	}
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Checksum returns the low byte of the unsigned sum of b.
func Checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// Encode builds header ++ length ++ command ++ data ++ checksum.
func Encode(command uint8, data []byte) ([]byte, error) {
	if len(data) > MaxDataLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrDataTooLarge, len(data), MaxDataLen)
	}
	return Append(make([]byte, 0, Overhead+len(data)), command, data), nil
}

// MustEncode is Encode for data known to fit. It panics otherwise.
func MustEncode(command uint8, data []byte) []byte {
	b, err := Encode(command, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Append appends the encoded frame to dst. len(data) must not exceed MaxDataLen.
func Append(dst []byte, command uint8, data []byte) []byte {
	start := len(dst)
	dst = append(dst, Header0, Header1, byte(len(data)), command)
	dst = append(dst, data...)
	return append(dst, Checksum(dst[start:]))
}

// Decode parses the frame at the start of b and returns it with the number
// of bytes it occupied. ErrTruncated means b holds a frame prefix.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < HeaderLen {
		if len(b) == 1 && b[0] != Header0 {
			return Frame{}, 0, &Error{Kind: ErrBadHeader}
		}
		return Frame{}, 0, &Error{Kind: ErrTruncated, Offset: len(b)}
	}
	if b[0] != Header0 || b[1] != Header1 {
		return Frame{}, 0, &Error{Kind: ErrBadHeader}
	}
	if len(b) < HeaderLen+LengthLen {
		return Frame{}, 0, &Error{Kind: ErrTruncated, Offset: len(b)}
	}
	n := int(b[HeaderLen])
	total := Overhead + n
	if len(b) < total {
		return Frame{}, 0, &Error{Kind: ErrTruncated, Offset: len(b)}
	}
	want := Checksum(b[:total-ChecksumLen])
	got := b[total-ChecksumLen]
	if want != got {
		return Frame{}, total, &Error{Kind: ErrBadChecksum, Offset: total - ChecksumLen, Want: want, Got: got}
	}
	dataStart := HeaderLen + LengthLen + CommandLen
	data := make([]byte, n)
	copy(data, b[dataStart:dataStart+n])
	return Frame{
		Command:  b[HeaderLen+LengthLen],
		Data:     data,
		Checksum: got,
	}, total, nil
}

// nextHeader returns the offset of the next header candidate after the
// first byte of b, or len(b) if none. A trailing Header0 counts as a
// candidate since its Header1 may still be in flight.
func nextHeader(b []byte) int {
	if len(b) <= 1 {
		return len(b)
	}
	if i := bytes.Index(b[1:], header); i >= 0 {
		return i + 1
	}
	if b[len(b)-1] == Header0 {
		return len(b) - 1
	}
	return len(b)
}
