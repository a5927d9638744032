// Package optimize downsizes inline image attachments before upload.
package optimize

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"

	"github.com/matheus3301/chatsync/internal/inline"
)

const (
	DefaultQuality  = 0.8
	DefaultMaxWidth = 1200
	// DefaultMaxPixels bounds width×height before an image is decoded.
	DefaultMaxPixels = 40_000_000
)

// DecodeError reports a payload that could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("optimize: decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Optimizer holds the configured quality and size bounds.
type Optimizer struct {
	quality   float64
	maxWidth  int
	maxPixels int
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithMaxPixels refuses images declaring more than n pixels. Zero or less
// keeps DefaultMaxPixels.
func WithMaxPixels(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.maxPixels = n
		}
	}
}

// New returns an Optimizer. Out of range values fall back to the defaults.
func New(quality float64, maxWidth int, opts ...Option) *Optimizer {
	if quality <= 0 || quality > 1 {
		quality = DefaultQuality
	}
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	o := &Optimizer{quality: quality, maxWidth: maxWidth, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize applies the optimizer's settings to an inline image payload.
func (o *Optimizer) Optimize(payload string) (string, error) {
	return optimize(payload, o.quality, o.maxWidth, o.maxPixels)
}

// Optimize decodes an inline image, scales it down to maxWidth preserving the
// aspect ratio and re-encodes it. An image that already fits is returned
// unchanged unless re-encoding makes it smaller. Paletted and gray sources
// are also re-encoded in their own color model.
func Optimize(payload string, quality float64, maxWidth int) (string, error) {
	return optimize(payload, quality, maxWidth, DefaultMaxPixels)
}

func optimize(payload string, quality float64, maxWidth, maxPixels int) (string, error) {
	if quality <= 0 || quality > 1 {
		quality = DefaultQuality
	}
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}

	p, err := inline.Parse(payload)
	if err != nil {
		return "", &DecodeError{Err: err}
	}

	src, format, err := decode(p.Data, maxPixels)
	if err != nil {
		return "", &DecodeError{Err: err}
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	resized := w > maxWidth
	if resized {
		h = max(h*maxWidth/w, 1)
		w = maxWidth
	}
	img := flatten(src, w, h)

	candidates := []*inline.Payload{}
	add := func(out *inline.Payload, err error) {
		if err == nil {
			candidates = append(candidates, out)
		}
	}
	add(encodeJPEG(img, quality))
	if format != "image/jpeg" {
		add(encodePNG(img))
	}
	if resized {
		for q := quality - 0.2; q >= 0.1; q -= 0.2 {
			add(encodeJPEG(img, q))
		}
	}
	switch s := src.(type) {
	case *image.Paletted:
		pm := scalePaletted(s, w, h)
		add(encodePNG(pm))
		add(encodeGIF(pm))
	case *image.Gray:
		gm := image.NewGray(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(gm, gm.Bounds(), s, s.Bounds(), draw.Src, nil)
		add(encodePNG(gm))
	}
	if len(candidates) == 0 {
		return "", &DecodeError{Err: fmt.Errorf("no encoder accepted the image")}
	}

	best := candidates[0].String()
	for _, c := range candidates[1:] {
		if s := c.String(); len(s) < len(best) {
			best = s
		}
	}

	if !resized && len(best) >= len(payload) {
		return payload, nil
	}
	return best, nil
}

type codec struct {
	mime   string
	config func(io.Reader) (image.Config, error)
	decode func(io.Reader) (image.Image, error)
}

var codecs = []codec{
	{"image/jpeg", jpeg.DecodeConfig, jpeg.Decode},
	{"image/png", png.DecodeConfig, png.Decode},
	{"image/gif", gif.DecodeConfig, gif.Decode},
}

// decode reads the header first so an oversized image is refused before
// its pixels are allocated.
func decode(data []byte, maxPixels int) (image.Image, string, error) {
	mt := mimetype.Detect(data)
	for _, c := range codecs {
		if !mt.Is(c.mime) {
			continue
		}
		cfg, err := c.config(bytes.NewReader(data))
		if err != nil {
			return nil, "", err
		}
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, "", fmt.Errorf("empty %dx%d image", cfg.Width, cfg.Height)
		}
		if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
			return nil, "", fmt.Errorf("%dx%d image exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
		}
		img, err := c.decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", err
		}
		return img, c.mime, nil
	}
	return nil, "", fmt.Errorf("unsupported format %s", mt.String())
}

func scalePaletted(src *image.Paletted, w, h int) *image.Paletted {
	pal := append(color.Palette(nil), src.Palette...)
	dst := image.NewPaletted(image.Rect(0, 0, w, h), pal)
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// flatten scales src onto an opaque white canvas of w×h.
func flatten(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality float64) (*inline.Payload, error) {
	q := min(max(int(quality*100), 1), 100)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return &inline.Payload{MIME: "image/jpeg", Data: buf.Bytes()}, nil
}

func encodeGIF(img *image.Paletted) (*inline.Payload, error) {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return &inline.Payload{MIME: "image/gif", Data: buf.Bytes()}, nil
}

func encodePNG(img image.Image) (*inline.Payload, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &inline.Payload{MIME: "image/png", Data: buf.Bytes()}, nil
}
