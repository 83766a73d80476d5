// Package frame turns raw renderer pixel buffers into encoded images that a viewer can display.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/guseggert/remotepreview/protocol"
	"golang.org/x/image/bmp"
)

// Format is the output image encoding.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	BMP  Format = "bmp"
)

// ParseFormat accepts the names used on the command line.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case JPEG, PNG, BMP:
		return f, nil
	case "jpg":
		return JPEG, nil
	default:
		return "", fmt.Errorf("unknown image format %q", s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case PNG:
		return "image/png"
	case BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}

// DecodeError reports a frame that could not be turned into an image. It only affects that frame.
type DecodeError struct {
	SequenceID int64
	Reason     string
	Err        error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding frame %d: %s: %s", e.SequenceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding frame %d: %s", e.SequenceID, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Image is an encoded frame ready for display. It is never modified after Decode returns it.
type Image struct {
	SequenceID  int64
	Width       int
	Height      int
	ContentType string
	Data        []byte
}

// Decoder converts frames to encoded images. The zero value produces JPEG at the default quality.
type Decoder struct {
	Format Format
	// Quality is the JPEG quality, 1-100. Zero means jpeg.DefaultQuality.
	Quality int
}

// Decode validates the frame's buffer against its declared dimensions and encodes it.
func (d Decoder) Decode(f *protocol.Frame) (*Image, error) {
	img, err := ToImage(f.Width, f.Height, f.Format, f.Data)
	if err != nil {
		return nil, &DecodeError{SequenceID: f.SequenceID, Reason: "converting pixels", Err: err}
	}

	format := d.Format
	if format == "" {
		format = JPEG
	}
	var buf bytes.Buffer
	switch format {
	case JPEG:
		quality := d.Quality
		if quality == 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case PNG:
		err = png.Encode(&buf, img)
	case BMP:
		err = bmp.Encode(&buf, img)
	default:
		return nil, &DecodeError{SequenceID: f.SequenceID, Reason: fmt.Sprintf("unknown output format %q", format)}
	}
	if err != nil {
		return nil, &DecodeError{SequenceID: f.SequenceID, Reason: "encoding " + string(format), Err: err}
	}

	return &Image{
		SequenceID:  f.SequenceID,
		Width:       f.Width,
		Height:      f.Height,
		ContentType: format.ContentType(),
		Data:        buf.Bytes(),
	}, nil
}

// ToImage converts a raw, unpadded pixel buffer to an NRGBA image. The buffer length must be exactly
// width*height*bytesPerPixel(format).
func ToImage(width, height int, format protocol.PixelFormat, data []byte) (*image.NRGBA, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unsupported pixel format %s", format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if width > math.MaxInt/bpp/height {
		return nil, fmt.Errorf("dimensions %dx%d are too large", width, height)
	}
	if want := width * height * bpp; len(data) != want {
		return nil, fmt.Errorf("buffer is %d bytes, %dx%d %s needs %d", len(data), width, height, format, want)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	pix := img.Pix
	switch format {
	case protocol.Rgba8888:
		copy(pix, data)
	case protocol.Bgra8888:
		for i := 0; i < len(data); i += 4 {
			pix[i], pix[i+1], pix[i+2], pix[i+3] = data[i+2], data[i+1], data[i], data[i+3]
		}
	case protocol.Rgb565:
		for i, j := 0, 0; i < len(data); i, j = i+2, j+4 {
			v := uint16(data[i]) | uint16(data[i+1])<<8
			r := byte(v >> 11 & 0x1f)
			g := byte(v >> 5 & 0x3f)
			b := byte(v & 0x1f)
			pix[j] = r<<3 | r>>2
			pix[j+1] = g<<2 | g>>4
			pix[j+2] = b<<3 | b>>2
			pix[j+3] = 0xff
		}
	}
	return img, nil
}
