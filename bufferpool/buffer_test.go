package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_Reconfigure(t *testing.T) {
	b := NewBuffer(10, 10, FormatARGB8888)

	require.NoError(t, b.Reconfigure(20, 10, FormatRGB565))
	require.Equal(t, 40, b.Stride)
	require.Len(t, b.Pix, 400)
	require.Equal(t, int64(400), b.ByteCount())

	err := b.Reconfigure(20, 20, FormatARGB8888)
	require.ErrorIs(t, err, ErrCapacity)
	require.Equal(t, 20, b.Width, "failed reconfigure leaves geometry unchanged")

	shared := WrapImmutable(make([]byte, 16), 2, 2, FormatARGB8888)
	require.ErrorIs(t, shared.Reconfigure(1, 1, FormatAlpha8), ErrImmutable)

	b.Release()
	require.ErrorIs(t, b.Reconfigure(1, 1, FormatAlpha8), ErrReleased)
}

func TestNewBuffer_InvalidPanics(t *testing.T) {
	require.Panics(t, func() { NewBuffer(0, 10, FormatARGB8888) })
	require.Panics(t, func() { NewBuffer(10, 10, FormatUnknown) })
}

func TestPixelFormat(t *testing.T) {
	require.Equal(t, 8, FormatRGBAF16.BytesPerPixel())
	require.Equal(t, 0, FormatUnknown.BytesPerPixel())
	require.Equal(t, "ARGB_8888", FormatARGB8888.String())
	require.Equal(t, int64(200), ByteCount(10, 10, FormatRGB565))
}
