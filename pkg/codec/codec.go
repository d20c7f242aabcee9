// Package codec compresses images into the byte buffers carried by frames and
// decodes completed buffers back into images.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatWebP Format = "webp"
)

const (
	DefaultJPEGQuality    = 95
	DefaultPNGCompression = 5
)

// ParseFormat accepts a format name or file extension such as ".jpg".
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "bmp":
		return FormatBMP, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unknown image format %q", s)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// EncodeOptions select the output format and its parameters.
type EncodeOptions struct {
	Format Format
	// Quality is the JPEG quality in [1, 100].
	Quality int
	// Compression is the PNG compression rate in [0, 9].
	Compression int
}

func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{
		Format:      FormatJPEG,
		Quality:     DefaultJPEGQuality,
		Compression: DefaultPNGCompression,
	}
}

type Codec interface {
	Encode(img image.Image, opts EncodeOptions) ([]byte, error)
	Decode(data []byte) (image.Image, Format, error)
}

type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode frame: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImageCodec is the Codec backed by the standard image encoders and
// golang.org/x/image. It is stateless and safe for concurrent use.
type ImageCodec struct{}

func NewImageCodec() *ImageCodec { return &ImageCodec{} }

func (ImageCodec) Encode(img image.Image, opts EncodeOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = FormatJPEG
	}
	if img == nil {
		return nil, &EncodeError{Format: opts.Format, Err: errors.New("nil image")}
	}

	var buf bytes.Buffer
	var err error
	switch opts.Format {
	case FormatJPEG:
		q := opts.Quality
		if q <= 0 || q > 100 {
			q = DefaultJPEGQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: q})
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: pngLevel(opts.Compression)}
		err = enc.Encode(&buf, img)
	case FormatGIF:
		err = gif.Encode(&buf, img, nil)
	case FormatBMP:
		err = bmp.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		err = fmt.Errorf("format %q cannot be encoded", opts.Format)
	}
	if err != nil {
		return nil, &EncodeError{Format: opts.Format, Err: err}
	}
	return buf.Bytes(), nil
}

func (ImageCodec) Decode(data []byte) (image.Image, Format, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: errors.New("empty buffer")}
	}
	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return img, Format(name), nil
}

// pngLevel maps a 0-9 compression rate onto the levels image/png offers.
func pngLevel(rate int) png.CompressionLevel {
	switch {
	case rate <= 0:
		return png.NoCompression
	case rate <= 3:
		return png.BestSpeed
	case rate <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}
