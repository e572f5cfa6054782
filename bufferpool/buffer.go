package bufferpool

import (
	"errors"
	"fmt"
)

var (
	ErrCapacity  = errors.New("bufferpool: buffer capacity too small")
	ErrImmutable = errors.New("bufferpool: buffer is immutable")
	ErrReleased  = errors.New("bufferpool: buffer is released")
)

// Buffer is a block of pixel memory plus the geometry it currently
// describes. Pix may be longer than Height*Stride only in capacity; len(Pix)
// always equals Height*Stride.
type Buffer struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat

	immutable bool
	released  bool
	pooled    bool
}

// NewBuffer allocates a zeroed buffer. It panics on non-positive dimensions
// or an unknown format.
func NewBuffer(width, height int, format PixelFormat) *Buffer {
	if width <= 0 || height <= 0 || !format.Valid() {
		panic(fmt.Sprintf("bufferpool: invalid buffer %dx%d %s", width, height, format))
	}
	return &Buffer{
		Pix:    make([]byte, ByteCount(width, height, format)),
		Width:  width,
		Height: height,
		Stride: width * format.BytesPerPixel(),
		Format: format,
	}
}

// WrapImmutable wraps memory the caller does not own exclusively, such as
// a shared mapping. The pool never accepts such buffers.
func WrapImmutable(pix []byte, width, height int, format PixelFormat) *Buffer {
	return &Buffer{
		Pix:       pix,
		Width:     width,
		Height:    height,
		Stride:    width * format.BytesPerPixel(),
		Format:    format,
		immutable: true,
	}
}

// ByteCount is the allocation size, which is what the pool accounts for.
func (b *Buffer) ByteCount() int64 {
	return int64(cap(b.Pix))
}

func (b *Buffer) Mutable() bool {
	return !b.immutable
}

func (b *Buffer) Released() bool {
	return b.released
}

// Release drops the pixel memory. A released buffer cannot be pooled or
// reconfigured.
func (b *Buffer) Release() {
	b.Pix = nil
	b.released = true
}

// Reconfigure reuses the allocation for another geometry. It fails when the
// allocation is too small; the buffer is unchanged in that case.
func (b *Buffer) Reconfigure(width, height int, format PixelFormat) error {
	switch {
	case b.released:
		return ErrReleased
	case b.immutable:
		return ErrImmutable
	case width <= 0 || height <= 0 || !format.Valid():
		return fmt.Errorf("bufferpool: reconfigure to %dx%d %s: invalid geometry", width, height, format)
	}
	need := ByteCount(width, height, format)
	if need > int64(cap(b.Pix)) {
		return fmt.Errorf("bufferpool: reconfigure to %dx%d %s needs %d bytes, have %d: %w",
			width, height, format, need, cap(b.Pix), ErrCapacity)
	}
	b.Pix = b.Pix[:need]
	b.Width = width
	b.Height = height
	b.Stride = width * format.BytesPerPixel()
	b.Format = format
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%dx%d %s, %d bytes)", b.Width, b.Height, b.Format, b.ByteCount())
}
