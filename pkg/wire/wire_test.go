package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLayout(t *testing.T) {
	payload := NewRequest(VerbAddPluginRule).Int32(7).Str("com.y").Bytes()

	expected := []byte{byte(VerbAddPluginRule), 0, 0, 0, 7, 0, 0, 0, 5, 'c', 'o', 'm', '.', 'y'}
	assert.Equal(t, expected, payload)

	d := NewDecoder(payload)
	assert.Equal(t, VerbAddPluginRule, d.Verb())
	assert.Equal(t, int32(7), d.Int32())
	assert.Equal(t, "com.y", d.Str())
	assert.NoError(t, d.Err())
	assert.Zero(t, d.Remaining())
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := NewRequest(VerbShell).Str("pm disable com.x").Bytes()
	require.NoError(t, WriteFrame(&buf, payload))
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{1, 2, 3, 4}))
	truncated := bytes.NewReader(buf.Bytes()[:6])

	_, err := ReadFrame(truncated)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameTooLarge(t *testing.T) {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderStickyError(t *testing.T) {
	d := NewDecoder([]byte{0, 0, 0, 9, 'a'})
	assert.Equal(t, "", d.Str())
	assert.Equal(t, int32(0), d.Int32())
	assert.ErrorIs(t, d.Err(), ErrShortPayload)
}

func TestSignedValues(t *testing.T) {
	payload := (&Encoder{}).Int8(-2).Int32(-1).Bool(true).Bytes()
	d := NewDecoder(payload)
	assert.Equal(t, int8(-2), d.Int8())
	assert.Equal(t, int32(-1), d.Int32())
	assert.True(t, d.Bool())
	assert.NoError(t, d.End())
}

func TestDecoderEnd(t *testing.T) {
	d := NewDecoder((&Encoder{}).Int8(0).Int8(1).Bytes())
	assert.Equal(t, int8(0), d.Int8())
	assert.Equal(t, 1, d.Remaining())
	assert.ErrorIs(t, d.End(), ErrTrailingBytes)

	d.Bool()
	assert.NoError(t, d.End())

	d = NewDecoder(nil)
	d.Int32()
	assert.ErrorIs(t, d.End(), ErrShortPayload, "a short payload wins over leftovers")
}

func TestVerbString(t *testing.T) {
	assert.Equal(t, "do_inject", VerbDoInject.String())
	assert.Equal(t, "verb(200)", Verb(200).String())
}
