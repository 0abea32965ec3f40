package cipherstream

import "io"

// CountingWriter counts the bytes written to the underlying writer.
type CountingWriter struct {
	w io.Writer
	n int64
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *CountingWriter) N() int64 {
	return c.n
}

// CountingReader counts bytes read and reports the running total to
// onRead after every read.
type CountingReader struct {
	r      io.Reader
	n      int64
	onRead func(n int64)
}

func NewCountingReader(r io.Reader, onRead func(n int64)) *CountingReader {
	return &CountingReader{r: r, onRead: onRead}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.onRead != nil {
			c.onRead(c.n)
		}
	}
	return n, err
}

func (c *CountingReader) N() int64 {
	return c.n
}
