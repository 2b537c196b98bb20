package frame

import (
	"errors"
	"fmt"
)

const DefaultMaxBuffered = 64 * 1024

// Decoder accumulates stream bytes and yields one frame per Next call.
// It is not safe for concurrent use.
type Decoder struct {
	buf         []byte
	maxBuffered int
	discarded   uint64
}

func NewDecoder(maxBuffered int) *Decoder {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Decoder{maxBuffered: maxBuffered}
}

// Write appends p to the accumulation buffer.
func (d *Decoder) Write(p []byte) (int, error) {
	if len(d.buf)+len(p) > d.maxBuffered {
		return 0, fmt.Errorf("%w: buffered=%d incoming=%d max=%d", ErrBufferOverflow, len(d.buf), len(p), d.maxBuffered)
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next decodes the frame at the head of the buffer.
//
// ErrTruncated: keep feeding bytes. ErrBadHeader and ErrBadChecksum: the
// buffer has already been advanced to the next header candidate, so the
// caller may call Next again.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf)
	if err == nil {
		d.consume(n)
		return f, nil
	}
	if errors.Is(err, ErrTruncated) {
		return Frame{}, err
	}
	skip := nextHeader(d.buf)
	d.discarded += uint64(skip)
	d.consume(skip)
	return Frame{}, err
}

// Buffered reports the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Discarded reports the total number of bytes dropped while resynchronizing.
func (d *Decoder) Discarded() uint64 {
	return d.discarded
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
