package mmal

// FourCC is a four-character pixel/stream encoding code, packed little
// endian the way the firmware stores it.
type FourCC uint32

// Encodings used by the stills pipeline. Opaque frames stay on the GPU
// and are handed downstream by reference.
const (
	EncodingOpaque FourCC = 'O' | 'P'<<8 | 'Q'<<16 | 'V'<<24
	EncodingI420   FourCC = 'I' | '4'<<8 | '2'<<16 | '0'<<24
	EncodingRGB24  FourCC = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
	EncodingBGR24  FourCC = 'B' | 'G'<<8 | 'R'<<16 | '3'<<24
)

func (f FourCC) String() string {
	if f == 0 {
		return "none"
	}
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// Rect is a firmware rectangle. Crop rectangles on stream formats use
// pixel units; region-of-interest parameters use the normalized
// 0..CropFullExtent space.
type Rect struct {
	X      int32
	Y      int32
	Width  int32
	Height int32
}

// VideoFormat is the video-specific half of an elementary stream format.
type VideoFormat struct {
	Width       uint32
	Height      uint32
	Crop        Rect
	FrameRate   Rational
	PixelAspect Rational
}

// StreamFormat describes the elementary stream on one port. Mutations take
// effect only once committed through the owning port.
type StreamFormat struct {
	Encoding        FourCC
	EncodingVariant FourCC
	Video           VideoFormat
}
