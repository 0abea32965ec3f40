package cipherstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/dmitrijs2005/gophbackup/internal/common"
)

// TagSize is the length of the HMAC-SHA256 tag that ends an envelope.
const TagSize = sha256.Size

// PrependWriter writes prefix once, before the first byte of output.
type PrependWriter struct {
	w      io.Writer
	prefix []byte
	done   bool
}

func NewPrependWriter(w io.Writer, prefix []byte) *PrependWriter {
	return &PrependWriter{w: w, prefix: prefix}
}

func (pw *PrependWriter) Write(p []byte) (int, error) {
	if err := pw.flush(); err != nil {
		return 0, err
	}
	return pw.w.Write(p)
}

// Close emits the prefix if nothing has been written yet.
func (pw *PrependWriter) Close() error {
	return pw.flush()
}

func (pw *PrependWriter) flush() error {
	if pw.done {
		return nil
	}
	if _, err := pw.w.Write(pw.prefix); err != nil {
		return err
	}
	pw.done = true
	return nil
}

// MACWriter computes HMAC-SHA256 over everything written through it and
// appends the tag on Close.
type MACWriter struct {
	w      io.Writer
	mac    hash.Hash
	closed bool
}

func NewMACWriter(w io.Writer, macKey []byte) *MACWriter {
	return &MACWriter{w: w, mac: hmac.New(sha256.New, macKey)}
}

func (m *MACWriter) Write(p []byte) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	n, err := m.w.Write(p)
	m.mac.Write(p[:n])
	return n, err
}

func (m *MACWriter) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	_, err := m.w.Write(m.mac.Sum(nil))
	return err
}

// MACExtractReader passes its input through except for the trailing TagSize
// bytes, which it keeps in a fixed window. The HMAC is computed over the
// bytes passed through. At end of stream the window holds the stored tag and
// is delivered to onMac.
type MACExtractReader struct {
	r      io.Reader
	mac    hash.Hash
	onMac  func(tag []byte)
	window [TagSize]byte
	filled int
	n      int64

	tag  []byte
	sum  []byte
	err  error
	done bool
}

// NewMACExtractReader returns a reader over r. onMac may be nil.
func NewMACExtractReader(r io.Reader, macKey []byte, onMac func(tag []byte)) *MACExtractReader {
	return &MACExtractReader{r: r, mac: hmac.New(sha256.New, macKey), onMac: onMac}
}

func (x *MACExtractReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for x.err == nil {
		m, rerr := x.r.Read(p)
		e := x.shift(p, m)
		if rerr == io.EOF {
			x.err = x.finish()
		} else if rerr != nil {
			x.err = rerr
		}
		if e > 0 {
			return e, nil
		}
	}
	return 0, x.err
}

// shift releases the oldest bytes of window||p[:m] into p and keeps the
// newest TagSize bytes in the window. It returns the number released.
func (x *MACExtractReader) shift(p []byte, m int) int {
	e := x.filled + m - TagSize
	if e <= 0 {
		copy(x.window[x.filled:], p[:m])
		x.filled += m
		return 0
	}

	fromWindow := min(e, x.filled)
	fromP := e - fromWindow

	var next [TagSize]byte
	k := copy(next[:], x.window[fromWindow:x.filled])
	copy(next[k:], p[fromP:m])

	copy(p[fromWindow:], p[:fromP])
	copy(p[:fromWindow], x.window[:fromWindow])

	x.window = next
	x.filled = TagSize
	x.mac.Write(p[:e])
	x.n += int64(e)
	return e
}

func (x *MACExtractReader) finish() error {
	if x.filled < TagSize {
		return fmt.Errorf("%w: stream shorter than tag", common.ErrBadMac)
	}
	x.tag = append([]byte(nil), x.window[:]...)
	x.sum = x.mac.Sum(nil)
	x.done = true
	if x.onMac != nil {
		x.onMac(x.tag)
	}
	return io.EOF
}

// N returns the number of bytes passed through, excluding the tag.
func (x *MACExtractReader) N() int64 {
	return x.n
}

// Verify compares the stored tag with the computed one in constant time.
// It must be called after the reader returned io.EOF.
func (x *MACExtractReader) Verify() error {
	if !x.done {
		return fmt.Errorf("%w: stream not fully read", common.ErrBadMac)
	}
	return VerifyTag(x.sum, x.tag)
}

// VerifyTag returns common.ErrBadMac unless computed and stored are equal.
func VerifyTag(computed, stored []byte) error {
	if len(computed) != TagSize || !hmac.Equal(computed, stored) {
		return common.ErrBadMac
	}
	return nil
}
