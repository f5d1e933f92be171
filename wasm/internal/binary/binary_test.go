package binary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 16383, 16384, 624485, 0xFFFFFFFF}
	for _, v := range values {
		w := NewWriter()
		w.WriteU32(v)
		r := NewBytesReader(w.Bytes())
		got, err := r.ReadU32()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, 0, r.Len())
	}
}

func TestS32RoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 63, 64, -64, -65, 8191, -8192, 2147483647, -2147483648}
	for _, v := range values {
		w := NewWriter()
		w.WriteS32(v)
		r := NewBytesReader(w.Bytes())
		got, err := r.ReadS32()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestS64RoundTrip(t *testing.T) {
	values := []int64{0, -1, 9223372036854775807, -9223372036854775808, 42, -624485}
	for _, v := range values {
		w := NewWriter()
		w.WriteS64(v)
		r := NewBytesReader(w.Bytes())
		got, err := r.ReadS64()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestU64RoundTrip(t *testing.T) {
	values := []uint64{0, 127, 128, 0xFFFFFFFFFFFFFFFF}
	for _, v := range values {
		w := NewWriter()
		w.WriteU64(v)
		r := NewBytesReader(w.Bytes())
		got, err := r.ReadU64()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestU32Overflow(t *testing.T) {
	// Six continuation bytes exceed the 5-byte maximum for u32.
	r := NewBytesReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	_, err := r.ReadU32()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFloatRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteF32(3.14)
	w.WriteF64(-2.718281828)
	r := NewBytesReader(w.Bytes())

	f32, err := r.ReadF32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.14), f32)

	f64, err := r.ReadF64()
	require.NoError(t, err)
	assert.Equal(t, -2.718281828, f64)
}

func TestReadName(t *testing.T) {
	w := NewWriter()
	w.WriteName("memory")
	r := NewBytesReader(w.Bytes())
	name, err := r.ReadName()
	require.NoError(t, err)
	assert.Equal(t, "memory", name)
}

func TestReadNameInvalidUTF8(t *testing.T) {
	r := NewBytesReader([]byte{0x02, 0xFF, 0xFE})
	_, err := r.ReadName()
	require.Error(t, err)
}

func TestPositionTracking(t *testing.T) {
	r := NewBytesReader([]byte{0x01, 0x02, 0x03, 0x04})
	_, err := r.ReadBytes(3)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Position())
	assert.Equal(t, 1, r.Len())
}
