package cipherstream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophbackup/internal/common"
)

// IVSize is the length of the initialization vector, one AES block.
const IVSize = aes.BlockSize

var (
	ErrInvalidIV = errors.New("cipherstream: iv must be one cipher block")
	ErrClosed    = errors.New("cipherstream: write after close")
)

// NewIV returns a fresh random IV.
func NewIV() []byte {
	return common.GenerateRandByteArray(IVSize)
}

// EncryptWriter encrypts everything written to it with AES-CBC. Complete
// blocks are flushed as soon as they are available; the last partial block
// is PKCS#7-padded and flushed on Close.
type EncryptWriter struct {
	w       io.Writer
	mode    cipher.BlockMode
	pending []byte
	closed  bool
}

func NewEncryptWriter(w io.Writer, aesKey, iv []byte) (*EncryptWriter, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	if len(iv) != IVSize {
		return nil, ErrInvalidIV
	}
	return &EncryptWriter{
		w:       w,
		mode:    cipher.NewCBCEncrypter(block, iv),
		pending: make([]byte, 0, 32<<10),
	}, nil
}

func (e *EncryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	e.pending = append(e.pending, p...)
	n := len(e.pending) - len(e.pending)%aes.BlockSize
	if n == 0 {
		return len(p), nil
	}
	e.mode.CryptBlocks(e.pending[:n], e.pending[:n])
	if _, err := e.w.Write(e.pending[:n]); err != nil {
		return 0, err
	}
	e.pending = append(e.pending[:0], e.pending[n:]...)
	return len(p), nil
}

// Close pads and writes the final block.
func (e *EncryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	padLen := aes.BlockSize - len(e.pending)%aes.BlockSize
	for range padLen {
		e.pending = append(e.pending, byte(padLen))
	}
	e.mode.CryptBlocks(e.pending, e.pending)
	_, err := e.w.Write(e.pending)
	return err
}

// DecryptReader reads an IV followed by AES-CBC ciphertext and yields the
// plaintext. The last block is held back until end of stream so its PKCS#7
// padding can be removed.
type DecryptReader struct {
	r     io.Reader
	block cipher.Block
	mode  cipher.BlockMode

	chunk []byte
	rem   int
	held  [aes.BlockSize]byte
	has   bool

	outBuf []byte
	out    []byte
	err    error
}

func NewDecryptReader(r io.Reader, aesKey []byte) (*DecryptReader, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return &DecryptReader{
		r:     r,
		block: block,
		chunk: make([]byte, 32<<10),
	}, nil
}

func (d *DecryptReader) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		d.err = d.fill()
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *DecryptReader) fill() error {
	if d.mode == nil {
		iv := make([]byte, IVSize)
		if _, err := io.ReadFull(d.r, iv); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: stream shorter than the iv", common.ErrCorruptFrame)
			}
			return err
		}
		d.mode = cipher.NewCBCDecrypter(d.block, iv)
	}

	m, rerr := d.r.Read(d.chunk[d.rem:])
	total := d.rem + m
	full := total - total%aes.BlockSize

	d.outBuf = d.outBuf[:0]
	if full > 0 {
		d.mode.CryptBlocks(d.chunk[:full], d.chunk[:full])
		if d.has {
			d.outBuf = append(d.outBuf, d.held[:]...)
		}
		d.outBuf = append(d.outBuf, d.chunk[:full-aes.BlockSize]...)
		copy(d.held[:], d.chunk[full-aes.BlockSize:full])
		d.has = true
	}
	d.rem = copy(d.chunk, d.chunk[full:total])

	switch {
	case rerr == io.EOF:
		if d.rem != 0 || !d.has {
			return fmt.Errorf("%w: ciphertext is not a whole number of blocks", common.ErrCorruptPadding)
		}
		last, err := unpadBlock(d.held[:])
		if err != nil {
			return err
		}
		d.outBuf = append(d.outBuf, last...)
		d.out = d.outBuf
		return io.EOF
	case rerr != nil:
		d.out = d.outBuf
		return rerr
	}
	d.out = d.outBuf
	return nil
}

func unpadBlock(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, fmt.Errorf("%w: bad block padding", common.ErrCorruptPadding)
	}
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(n)
	}
	if subtle.ConstantTimeCompare(b[len(b)-n:], want) != 1 {
		return nil, fmt.Errorf("%w: bad block padding", common.ErrCorruptPadding)
	}
	return b[:len(b)-n], nil
}
