package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r io.Reader) ([][]byte, error) {
	t.Helper()
	var out [][]byte
	for payload, err := range NewReader(r).All() {
		if err != nil {
			return out, err
		}
		out = append(out, payload)
	}
	return out, nil
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	records := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), {}, bytes.Repeat([]byte{0xFF}, 300)}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, records))

	got, err := collect(t, &buf)
	require.NoError(t, err)
	require.Len(t, got, len(records))
	for i := range records {
		assert.True(t, bytes.Equal(records[i], got[i]), "record %d differs", i)
	}
}

func TestWriter_ExactBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, [][]byte{[]byte("a"), []byte("bb")}))
	assert.Equal(t, []byte{1, 'a', 2, 'b', 'b'}, buf.Bytes())
}

func TestWriter_MultiByteLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, [][]byte{bytes.Repeat([]byte{'x'}, 200)}))
	// 200 = 0xC8 -> varint 0xC8 0x01
	assert.Equal(t, []byte{0xC8, 0x01}, buf.Bytes()[:2])
	assert.Equal(t, 202, buf.Len())
}

func TestReader_EmptyStream(t *testing.T) {
	got, err := collect(t, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReader_CorruptFrames(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{name: "truncated length prefix", in: []byte{1, 'a', 0x80}},
		{name: "truncated payload", in: []byte{1, 'a', 5, 'b', 'c'}},
		{name: "overlong varint", in: bytes.Repeat([]byte{0xFF}, 11)},
		{name: "length above limit", in: []byte{0x80, 0x80, 0x80, 0x80, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := collect(t, bytes.NewReader(tt.in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrCorruptFrame), "got %v", err)
		})
	}
}

func TestReader_NextReturnsEOFOnBoundary(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{1, 'z'}))

	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("z"), p)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecode_IsRestartable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, [][]byte{[]byte("one"), []byte("two")}))
	data := buf.Bytes()

	opens := 0
	seq := Decode(func() (io.Reader, error) {
		opens++
		return bytes.NewReader(data), nil
	})

	for range 2 {
		var got []string
		for p, err := range seq {
			require.NoError(t, err)
			got = append(got, string(p))
		}
		assert.Equal(t, []string{"one", "two"}, got)
	}
	assert.Equal(t, 2, opens)
}

func TestDecode_OpenError(t *testing.T) {
	boom := errors.New("boom")
	for _, err := range Decode(func() (io.Reader, error) { return nil, boom }) {
		require.ErrorIs(t, err, boom)
	}
}

func TestWriter_RejectsOversizedFrame(t *testing.T) {
	err := NewWriter(io.Discard).WriteFrame(make([]byte, MaxFrameSize+1))
	require.Error(t, err)
}
