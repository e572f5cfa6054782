package bufferpool

// PixelFormat describes the memory layout of one pixel.
type PixelFormat uint8

const (
	FormatUnknown PixelFormat = iota
	FormatAlpha8
	FormatRGB565
	FormatARGB4444
	FormatARGB8888
	FormatRGBAF16
	// FormatHardware buffers live in memory the decoder cannot write into
	// and are never pooled.
	FormatHardware
)

var formatInfo = map[PixelFormat]struct {
	name string
	bpp  int
}{
	FormatAlpha8:   {"ALPHA_8", 1},
	FormatRGB565:   {"RGB_565", 2},
	FormatARGB4444: {"ARGB_4444", 2},
	FormatARGB8888: {"ARGB_8888", 4},
	FormatRGBAF16:  {"RGBA_F16", 8},
	FormatHardware: {"HARDWARE", 4},
}

// DefaultAllowedFormats lists every format the pool accepts by default.
var DefaultAllowedFormats = []PixelFormat{
	FormatAlpha8,
	FormatRGB565,
	FormatARGB4444,
	FormatARGB8888,
	FormatRGBAF16,
}

func (f PixelFormat) String() string {
	if info, ok := formatInfo[f]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// BytesPerPixel is 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	return formatInfo[f].bpp
}

func (f PixelFormat) Valid() bool {
	_, ok := formatInfo[f]
	return ok
}

// ByteCount is the tightly packed size of a width x height image.
func ByteCount(width, height int, format PixelFormat) int64 {
	return int64(width) * int64(height) * int64(format.BytesPerPixel())
}
