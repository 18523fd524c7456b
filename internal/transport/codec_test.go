package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	payload := []byte(`{"fromBlock":0,"toBlock":99,"fields":{"block":true}}`)
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		framed, err := Encode(codec, payload)
		require.NoError(t, err)
		require.Equal(t, byte(codec), framed[0])

		length, n := binary.Uvarint(framed[1:])
		require.Positive(t, n)
		require.Equal(t, uint64(len(payload)), length)

		out, err := Decode(framed)
		require.NoError(t, err)
		require.Equal(t, payload, out)
	}
}

func TestDecode_RejectsMissingLengthVarint(t *testing.T) {
	_, err := Decode([]byte{byte(CodecNone)})
	require.Error(t, err)
}

func TestDecode_RejectsLengthMismatch(t *testing.T) {
	framed, err := Encode(CodecNone, []byte("hello"))
	require.NoError(t, err)

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], 999)
	tampered := append([]byte{framed[0]}, lenBuf[:n]...)
	tampered = append(tampered, framed[len(framed)-len("hello"):]...)

	_, err = Decode(tampered)
	require.Error(t, err)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("zstd")
	require.NoError(t, err)
	require.Equal(t, CodecZstd, c)

	_, err = ParseCodec("bogus")
	require.Error(t, err)
}

func TestDecode_RejectsEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}
