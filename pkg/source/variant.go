package source

import (
	"fmt"
	"image"
	"image/color"
	"strings"
)

// Variant derives the image sent on one stream from the source frame, so a
// single sender can publish several related streams.
type Variant string

const (
	Identity  Variant = "identity"
	Grayscale Variant = "grayscale"
	Blur      Variant = "blur"
	Threshold Variant = "threshold"
)

const (
	blurRadius     = 4
	thresholdLevel = 128
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "input", Identity:
		return Identity, nil
	case "gray", Grayscale:
		return Grayscale, nil
	case Blur, Threshold:
		return v, nil
	default:
		return "", fmt.Errorf("unknown variant %q", s)
	}
}

// StreamSpec names a stream and the variant it carries.
type StreamSpec struct {
	Name    string
	Variant Variant
}

// ParseStreamSpec reads "name" or "name:variant". A bare name that is itself
// a variant ("blur") carries that variant.
func ParseStreamSpec(s string) (StreamSpec, error) {
	name, v, hasVariant := strings.Cut(strings.TrimSpace(s), ":")
	if name == "" {
		return StreamSpec{}, fmt.Errorf("stream spec %q has no name", s)
	}
	if !hasVariant {
		if variant, err := ParseVariant(name); err == nil {
			return StreamSpec{Name: name, Variant: variant}, nil
		}
		return StreamSpec{Name: name, Variant: Identity}, nil
	}
	variant, err := ParseVariant(v)
	if err != nil {
		return StreamSpec{}, err
	}
	return StreamSpec{Name: name, Variant: variant}, nil
}

func (v Variant) Apply(img image.Image) image.Image {
	switch v {
	case Grayscale:
		return toGray(img)
	case Blur:
		return boxBlur(img, blurRadius)
	case Threshold:
		g := toGray(img)
		for i, p := range g.Pix {
			if p >= thresholdLevel {
				g.Pix[i] = 255
			} else {
				g.Pix[i] = 0
			}
		}
		return g
	default:
		return img
	}
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return g
}

// boxBlur is a separable box filter over an RGBA copy of img.
func boxBlur(img image.Image, r int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	tmp := image.NewRGBA(src.Rect)
	out := image.NewRGBA(src.Rect)
	pass(src, tmp, r, true)
	pass(tmp, out, r, false)
	return out
}

func pass(src, dst *image.RGBA, r int, horizontal bool) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]int
			n := 0
			for k := -r; k <= r; k++ {
				sx, sy := x, y
				if horizontal {
					sx += k
				} else {
					sy += k
				}
				if sx < 0 || sy < 0 || sx >= w || sy >= h {
					continue
				}
				off := src.PixOffset(sx, sy)
				for c := 0; c < 4; c++ {
					sum[c] += int(src.Pix[off+c])
				}
				n++
			}
			off := dst.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				dst.Pix[off+c] = uint8(sum[c] / n)
			}
		}
	}
}
