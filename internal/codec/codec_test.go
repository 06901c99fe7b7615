package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressShortPayloadIsRaw(t *testing.T) {
	out := Compress([]byte("hi"))
	require.Len(t, out, 3)
	assert.Equal(t, FlagRaw, out[0])

	back, err := Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), back)
}

func TestCompressLargePayload(t *testing.T) {
	data := []byte(strings.Repeat("mesh network message ", 200))
	out := Compress(data)
	assert.Equal(t, FlagZstd, out[0])
	assert.Less(t, len(out), len(data))

	back, err := Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestDecompressUnknownFlag(t *testing.T) {
	_, err := Decompress([]byte{0x7f, 1, 2, 3})
	assert.ErrorIs(t, err, ErrUnknownFlag)

	_, err = Decompress(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDecompressCorruptZstdReturnsBody(t *testing.T) {
	body := []byte("definitely not zstd")
	out, err := Decompress(append([]byte{FlagZstd}, body...))
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(f))
	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(f))

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameLimits(t *testing.T) {
	assert.ErrorIs(t, WriteFrame(io.Discard, nil), ErrEmptyFrame)
	assert.ErrorIs(t, WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 9, 'a'}))
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(KindChat, []byte(strings.Repeat("hello ", 30)), 4)
	env.Sender = "abcd"
	env.Signature = []byte{1, 2, 3}

	payload, err := Marshal(env)
	require.NoError(t, err)

	got, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestUnmarshalRejectsInvalid(t *testing.T) {
	env := NewEnvelope("bogus", nil, 0)
	payload, err := Marshal(env)
	require.NoError(t, err)
	_, err = Unmarshal(payload)
	assert.ErrorIs(t, err, ErrBadKind)

	env = NewEnvelope(KindPing, nil, 0)
	env.Version = 9
	payload, err = Marshal(env)
	require.NoError(t, err)
	_, err = Unmarshal(payload)
	assert.ErrorIs(t, err, ErrBadVersion)

	_, err = Unmarshal(append([]byte{FlagRaw}, "garbage"...))
	assert.Error(t, err)
}

func TestSigningBytesIgnoreTTLAndSignature(t *testing.T) {
	env := NewEnvelope(KindChat, []byte("hi"), 4)
	a, err := SigningBytes(env)
	require.NoError(t, err)

	env.TTL = 1
	env.Signature = []byte("sig")
	b, err := SigningBytes(env)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, []byte("sig"), env.Signature)

	env.Body = []byte("changed")
	c, err := SigningBytes(env)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDecompressBombRejected(t *testing.T) {
	zeros := make([]byte, MaxDecompressedSize+1024)
	payload := Compress(zeros)
	require.Equal(t, FlagZstd, payload[0])
	require.Less(t, len(payload), MaxFrameSize)

	_, err := Decompress(payload)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = Unmarshal(payload)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnmarshalHostileStructure(t *testing.T) {
	// массив с заявленными 2^31-1 элементами
	huge := []byte{FlagRaw, 0x9a, 0x7f, 0xff, 0xff, 0xff}
	_, err := Unmarshal(huge)
	assert.Error(t, err)

	// вложенность глубже MaxNestedLevels
	nested := append([]byte{FlagRaw}, bytes.Repeat([]byte{0x81}, 100)...)
	nested = append(nested, 0x00)
	_, err = Unmarshal(nested)
	assert.Error(t, err)

	// map с количеством пар больше лимита
	bigMap := []byte{FlagRaw, 0xb9, 0xff, 0xff}
	_, err = Unmarshal(bigMap)
	assert.Error(t, err)
}
