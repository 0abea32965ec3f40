// Package padding hides the exact length of the compressed backup before it
// is encrypted.
//
// The payload is followed by a single 0x80 marker byte and then zero bytes up
// to the Padmé bucket of len(payload)+1. Padmé buckets leak O(log log n) bits
// of the length and cost at most about 12% overhead. The reader strips the
// marker and the zeros while streaming, holding back only a counter.
package padding

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/dmitrijs2005/gophbackup/internal/common"
)

const marker = 0x80

// PaddedSize returns the Padmé bucket for n bytes.
func PaddedSize(n int64) int64 {
	if n < 2 {
		return n
	}
	e := bits.Len64(uint64(n)) - 1
	s := bits.Len64(uint64(e))
	mask := int64(1)<<(e-s) - 1
	return (n + mask) &^ mask
}

var zeros [32 << 10]byte

// Writer passes bytes through and appends the padding on Close. Close does
// not close the underlying writer.
type Writer struct {
	w      io.Writer
	n      int64
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.n += int64(n)
	return n, err
}

// Close writes the marker and the zero filler.
func (pw *Writer) Close() error {
	if pw.closed {
		return nil
	}
	pw.closed = true

	filler := PaddedSize(pw.n+1) - pw.n - 1
	if _, err := pw.w.Write([]byte{marker}); err != nil {
		return err
	}
	for filler > 0 {
		k := min(filler, int64(len(zeros)))
		if _, err := pw.w.Write(zeros[:k]); err != nil {
			return err
		}
		filler -= k
	}
	return nil
}

// Reader strips the padding written by Writer. It returns
// common.ErrCorruptPadding at end of stream if the marker is missing or the
// total length is not the bucket of the payload length.
type Reader struct {
	r   io.Reader
	buf []byte
	pos int
	n   int
	eof bool
	err error

	// a candidate marker and the zeros after it, held back until the stream
	// either ends (padding) or continues with a non-zero byte (payload)
	held      bool
	heldZeros int64

	// held-back bytes that turned out to be payload
	flushMarker bool
	flushZeros  int64

	consumed int64
	emitted  int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 32<<10)}
}

func (u *Reader) Read(p []byte) (int, error) {
	if u.err != nil {
		return 0, u.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	written := 0
	for written < len(p) {
		if u.flushMarker {
			p[written] = marker
			written++
			u.flushMarker = false
			continue
		}
		if u.flushZeros > 0 {
			k := int(min(int64(len(p)-written), u.flushZeros))
			clear(p[written : written+k])
			written += k
			u.flushZeros -= int64(k)
			continue
		}

		if u.pos == u.n {
			if u.eof || written > 0 {
				break
			}
			n, err := u.r.Read(u.buf)
			u.pos, u.n = 0, n
			u.consumed += int64(n)
			if err == io.EOF {
				u.eof = true
			} else if err != nil {
				u.err = err
				return written, err
			}
			continue
		}

		b := u.buf[u.pos]
		if u.held {
			if b == 0 {
				u.heldZeros++
				u.pos++
				continue
			}
			// more payload follows, release what was held back and
			// reprocess b on the next iteration
			u.held = false
			u.flushMarker = true
			u.flushZeros = u.heldZeros
			u.heldZeros = 0
			continue
		}
		if b == marker {
			u.held = true
			u.pos++
			continue
		}

		chunk := u.buf[u.pos:u.n]
		if i := bytes.IndexByte(chunk, marker); i >= 0 {
			chunk = chunk[:i]
		}
		k := copy(p[written:], chunk)
		written += k
		u.pos += k
	}

	u.emitted += int64(written)
	if written > 0 {
		return written, nil
	}

	u.err = u.finish()
	return 0, u.err
}

func (u *Reader) finish() error {
	if !u.held {
		return fmt.Errorf("%w: missing marker", common.ErrCorruptPadding)
	}
	if want := PaddedSize(u.emitted + 1); want != u.consumed {
		return fmt.Errorf("%w: padded length %d, want %d for %d payload bytes",
			common.ErrCorruptPadding, u.consumed, want, u.emitted)
	}
	return io.EOF
}
