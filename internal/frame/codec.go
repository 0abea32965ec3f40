// Package frame implements the delimited framing used inside a backup: every
// record is written as a protobuf-style varint length followed by that many
// payload bytes. The decoder buffers at most one frame.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single frame. A larger declared length is treated as
// corruption rather than an allocation request.
const MaxFrameSize = 64 << 20

// Writer writes length-prefixed frames to an underlying writer.
type Writer struct {
	w      io.Writer
	prefix []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, prefix: make([]byte, 0, protowire.SizeVarint(MaxFrameSize))}
}

// WriteFrame writes one frame. Empty frames are allowed.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	fw.prefix = protowire.AppendVarint(fw.prefix[:0], uint64(len(payload)))
	if _, err := fw.w.Write(fw.prefix); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// Encode writes every record as a frame.
func Encode(w io.Writer, records [][]byte) error {
	fw := NewWriter(w)
	for _, r := range records {
		if err := fw.WriteFrame(r); err != nil {
			return err
		}
	}
	return nil
}

// Reader reads frames one at a time.
type Reader struct {
	r      *bufio.Reader
	prefix [binary.MaxVarintLen64]byte
}

func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

// Next returns the next frame. It returns io.EOF only when the stream ends
// exactly on a frame boundary; any truncation is common.ErrCorruptFrame.
func (fr *Reader) Next() ([]byte, error) {
	n := 0
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if n == 0 {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("%w: truncated length prefix", common.ErrCorruptFrame)
			}
			return nil, err
		}
		if n == len(fr.prefix) {
			return nil, fmt.Errorf("%w: length prefix too long", common.ErrCorruptFrame)
		}
		fr.prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
	}

	size, m := protowire.ConsumeVarint(fr.prefix[:n])
	if m < 0 {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptFrame, protowire.ParseError(m))
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", common.ErrCorruptFrame, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload", common.ErrCorruptFrame)
		}
		return nil, err
	}
	return payload, nil
}

// All yields frames until a clean end of stream. A decoding error is
// yielded once and ends the sequence.
func (fr *Reader) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			payload, err := fr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(payload, err) || err != nil {
				return
			}
		}
	}
}

// Decode lazily decodes frames from a freshly opened stream. Each range over
// the returned sequence calls open again, so the sequence can be restarted.
func Decode(open func() (io.Reader, error)) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		r, err := open()
		if err != nil {
			yield(nil, err)
			return
		}
		for payload, err := range NewReader(r).All() {
			if !yield(payload, err) {
				return
			}
		}
	}
}
