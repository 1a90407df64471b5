package netmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	h := PacketHeader{Type: SwitchToNewMessage, Flags: FlagCompressed, Size: 123}
	buf := make([]byte, headerSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.True(t, got.Compressed())
	require.Equal(t, 123-headerSize, got.PayloadLen())
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2})
	require.ErrorIs(t, err, ErrBadPacket)
}

func TestDecodeHeaderRejectsUnknownType(t *testing.T) {
	buf := []byte{0, 0, 0, headerSize}
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrBadPacket)
}

func TestFramerFinishPacketRejectsOversize(t *testing.T) {
	f := NewPacketFramer(32, nil, nil)
	buf := make([]byte, 64)
	_, err := f.FinishPacket(buf, KeepAlive, 40)
	require.ErrorIs(t, err, ErrPacketSizeExceeded)
}

func TestFramerRoundTripWithSnappy(t *testing.T) {
	f := NewPacketFramer(MaxPacketSize, NewSnappyCompressor(), NewSnappyDecompressor())

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i % 7) // repetitive, compresses well
	}

	buf := make([]byte, MaxPacketSize)
	copy(buf[headerSize:], payload)
	n, err := f.FinishPacket(buf, ContinuedMessage, len(payload))
	require.NoError(t, err)

	h, err := DecodeHeader(buf[:headerSize])
	require.NoError(t, err)
	require.True(t, h.Compressed())
	require.Less(t, n, headerSize+len(payload))

	scratch := make([]byte, MaxPacketSize)
	out, err := f.DecodePayload(h, buf[:n], scratch)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestFramerSkipsCompressionWhenNotSmaller(t *testing.T) {
	f := NewPacketFramer(MaxPacketSize, NewSnappyCompressor(), NewSnappyDecompressor())

	payload := []byte{0xde, 0xad, 0xbe, 0xef} // too short/random for snappy to help
	buf := make([]byte, MaxPacketSize)
	copy(buf[headerSize:], payload)
	n, err := f.FinishPacket(buf, ContinuedMessage, len(payload))
	require.NoError(t, err)

	h, err := DecodeHeader(buf[:headerSize])
	require.NoError(t, err)
	require.False(t, h.Compressed())
	require.Equal(t, headerSize+len(payload), n)
}
