// Package source produces the images a sender streams: a synthetic test
// pattern or the images found in a directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/antmicro/farshow/pkg/codec"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

// Source yields frames until it is exhausted or ctx is done.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
}

// ErrExhausted is returned by sources that do not loop.
var ErrExhausted = errors.New("source exhausted")

// Open builds a source from a spec: "pattern", "pattern:WxH", a directory
// of images, or a single image file.
func Open(spec string, dec codec.Codec) (Source, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "pattern" {
		return NewPattern(DefaultWidth, DefaultHeight), nil
	}
	if rest, ok := strings.CutPrefix(spec, "pattern:"); ok {
		w, h, err := parseSize(rest)
		if err != nil {
			return nil, err
		}
		return NewPattern(w, h), nil
	}
	if dec == nil {
		dec = codec.NewImageCodec()
	}
	return NewDirectory(spec, dec, true)
}

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width in %q", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height in %q", s)
	}
	return w, h, nil
}

// Pattern draws moving color bars with a bright square whose position
// encodes the frame counter.
type Pattern struct {
	w, h  int
	frame int
}

func NewPattern(w, h int) *Pattern {
	return &Pattern{w: w, h: h}
}

var bars = []color.RGBA{
	{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
	{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {0, 0, 0, 255},
}

func (p *Pattern) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	shift := p.frame * 4
	barW := max(p.w/len(bars), 1)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			c := bars[((x+shift)/barW)%len(bars)]
			if y > p.h*3/4 {
				v := uint8(x * 255 / max(p.w-1, 1))
				c = color.RGBA{v, v, v, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	side := max(min(p.w, p.h)/8, 1)
	ox := (p.frame * side / 2) % max(p.w-side, 1)
	oy := p.h/2 - side/2
	for y := oy; y < oy+side && y < p.h; y++ {
		for x := ox; x < ox+side && x < p.w; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 128, 0, 255})
		}
	}
	p.frame++
	return img, nil
}

// Directory cycles through the decodable images of a directory in name order.
type Directory struct {
	paths []string
	dec   codec.Codec
	loop  bool
	next  int
}

// NewDirectory lists path, which may also be a single image file.
func NewDirectory(path string, dec codec.Codec, loop bool) (*Directory, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	var paths []string
	if !info.IsDir() {
		paths = []string{path}
	} else {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read source dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if _, err := codec.ParseFormat(filepath.Ext(e.Name())); err != nil {
				continue
			}
			paths = append(paths, filepath.Join(path, e.Name()))
		}
		sort.Strings(paths)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", path)
	}
	return &Directory{paths: paths, dec: dec, loop: loop}, nil
}

func (d *Directory) Len() int { return len(d.paths) }

func (d *Directory) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.paths) {
		if !d.loop {
			return nil, ErrExhausted
		}
		d.next = 0
	}
	path := d.paths[d.next]
	d.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	img, _, err := d.dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}
