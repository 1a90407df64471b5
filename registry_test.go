package netmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type greetingPayload struct {
	From string
	Text string
}

func TestTypeRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewTypeRegistry()
	a := r.Register("greeting", greetingPayload{})
	b := r.Register("greeting", greetingPayload{})
	require.Equal(t, a, b)
}

func TestTypeRegistryIndexOfValue(t *testing.T) {
	r := NewTypeRegistry()
	idx := r.Register("greeting", greetingPayload{})

	got, ok := r.IndexOfValue(greetingPayload{From: "a", Text: "hi"})
	require.True(t, ok)
	require.Equal(t, idx, got)

	_, ok = r.IndexOfValue(42)
	require.False(t, ok)
}

func TestCBORSerializerDeserializerRoundTripChunked(t *testing.T) {
	r := NewTypeRegistry()
	idx := r.Register("greeting", greetingPayload{})
	crc, err := r.CRCOf(idx)
	require.NoError(t, err)

	value := greetingPayload{From: "alice", Text: "hello, world, this is a reasonably long message"}

	ser := r.NewSerializer()
	require.NoError(t, ser.Push(value, idx))

	deser, gotIdx, err := r.NewDeserializerByCRC(crc)
	require.NoError(t, err)
	require.Equal(t, idx, gotIdx)

	// Feed the serializer's output through the deserializer in small,
	// arbitrarily-sized chunks, simulating bytes split across many packets.
	chunk := make([]byte, 5)
	for {
		n, done, err := ser.Run(chunk)
		require.NoError(t, err)
		if n > 0 {
			dn, ddone, derr := deser.Run(chunk[:n])
			require.NoError(t, derr)
			require.Equal(t, n, dn)
			if ddone {
				break
			}
		}
		if done {
			break
		}
	}

	got, ok := deser.Value().(greetingPayload)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestTypeRegistryUnknownCRC(t *testing.T) {
	r := NewTypeRegistry()
	_, _, err := r.NewDeserializerByCRC(0xdeadbeef)
	require.ErrorIs(t, err, ErrUnknownType)
}
