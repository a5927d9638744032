package optimize

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/inline"
)

// noisy returns an image that compresses poorly, like a photo.
func noisy(w, h int) image.Image {
	r := rand.New(rand.NewPCG(1, 2))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8(r.IntN(256)),
				A: 255,
			})
		}
	}
	return img
}

func dataURL(t *testing.T, mime string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch mime {
	case "image/png":
		err = png.Encode(&buf, img)
	case "image/jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	case "image/gif":
		err = gif.Encode(&buf, img, nil)
	}
	require.NoError(t, err)
	return (&inline.Payload{MIME: mime, Data: buf.Bytes()}).String()
}

func decodedSize(t *testing.T, payload string) (int, int) {
	t.Helper()
	p, err := inline.Parse(payload)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(p.Data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestOptimizeScalesWideImages(t *testing.T) {
	for _, mime := range []string{"image/png", "image/jpeg", "image/gif"} {
		t.Run(mime, func(t *testing.T) {
			in := dataURL(t, mime, noisy(2000, 1000))

			out, err := Optimize(in, DefaultQuality, DefaultMaxWidth)
			require.NoError(t, err)

			w, h := decodedSize(t, out)
			assert.LessOrEqual(t, w, DefaultMaxWidth)
			assert.Equal(t, 600, h, "aspect ratio preserved")
			assert.LessOrEqual(t, len(out), len(in))
		})
	}
}

func TestOptimizeKeepsSmallImageWhenReencodeGrows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, noisy(100, 80), &jpeg.Options{Quality: 10}))
	in := (&inline.Payload{MIME: "image/jpeg", Data: buf.Bytes()}).String()

	out, err := Optimize(in, 1.0, DefaultMaxWidth)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOptimizeNeverGrowsFittingImage(t *testing.T) {
	in := dataURL(t, "image/png", noisy(640, 480))

	out, err := New(0.8, 1200).Optimize(in)
	require.NoError(t, err)

	w, _ := decodedSize(t, out)
	assert.Equal(t, 640, w)
	assert.LessOrEqual(t, len(out), len(in))
}

func TestOptimizeCustomWidth(t *testing.T) {
	in := dataURL(t, "image/png", noisy(900, 300))

	out, err := Optimize(in, 0.7, 300)
	require.NoError(t, err)

	w, h := decodedSize(t, out)
	assert.Equal(t, 300, w)
	assert.Equal(t, 100, h)
}

func TestOptimizeDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"remote reference", "https://cdn.example.com/a.png"},
		{"not an image", (&inline.Payload{MIME: "image/png", Data: []byte("plain text")}).String()},
		{"truncated png", (&inline.Payload{MIME: "image/png", Data: []byte("\x89PNG\r\n\x1a\n\x00")}).String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Optimize(tt.payload, DefaultQuality, DefaultMaxWidth)
			var de *DecodeError
			assert.True(t, errors.As(err, &de), "err = %v", err)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	o := New(0, -1)
	assert.Equal(t, DefaultQuality, o.quality)
	assert.Equal(t, DefaultMaxWidth, o.maxWidth)
	assert.Equal(t, DefaultMaxPixels, o.maxPixels)

	assert.Equal(t, DefaultMaxPixels, New(0.8, 1200, WithMaxPixels(0)).maxPixels)
	assert.Equal(t, 500, New(0.8, 1200, WithMaxPixels(500)).maxPixels)
}

// checkerboard returns a two color paletted image with square cells.
func checkerboard(w, h, cell int) *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.Black, color.White})
	for y := range h {
		for x := range w {
			img.SetColorIndex(x, y, uint8((x/cell+y/cell)%2))
		}
	}
	return img
}

func TestOptimizeWidePalettedImageDoesNotGrow(t *testing.T) {
	for _, mime := range []string{"image/png", "image/gif"} {
		t.Run(mime, func(t *testing.T) {
			in := dataURL(t, mime, checkerboard(2000, 2000, 100))

			out, err := Optimize(in, DefaultQuality, DefaultMaxWidth)
			require.NoError(t, err)

			w, h := decodedSize(t, out)
			assert.Equal(t, DefaultMaxWidth, w)
			assert.Equal(t, DefaultMaxWidth, h)
			assert.LessOrEqual(t, len(out), len(in))
		})
	}
}

func TestOptimizeWideGrayImageDoesNotGrow(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2000, 500))
	for y := range 500 {
		for x := range 2000 {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 255 / 2000)})
		}
	}
	in := dataURL(t, "image/png", img)

	out, err := Optimize(in, DefaultQuality, DefaultMaxWidth)
	require.NoError(t, err)

	w, _ := decodedSize(t, out)
	assert.Equal(t, DefaultMaxWidth, w)
	assert.LessOrEqual(t, len(out), len(in))
}

// withDeclaredSize rewrites the dimensions in an encoded image header.
func withDeclaredSize(t *testing.T, mime string, data []byte, w, h int) []byte {
	t.Helper()
	out := bytes.Clone(data)
	switch mime {
	case "image/gif":
		binary.LittleEndian.PutUint16(out[6:8], uint16(w))
		binary.LittleEndian.PutUint16(out[8:10], uint16(h))
	case "image/png":
		// signature(8) length(4) "IHDR"(4) data(13) crc(4)
		binary.BigEndian.PutUint32(out[16:20], uint32(w))
		binary.BigEndian.PutUint32(out[20:24], uint32(h))
		binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	}
	return out
}

func TestOptimizeRefusesOversizedHeaders(t *testing.T) {
	for _, mime := range []string{"image/gif", "image/png"} {
		t.Run(mime, func(t *testing.T) {
			p, err := inline.Parse(dataURL(t, mime, checkerboard(4, 4, 1)))
			require.NoError(t, err)
			huge := withDeclaredSize(t, mime, p.Data, 30000, 30000)
			in := (&inline.Payload{MIME: mime, Data: huge}).String()

			_, err = Optimize(in, DefaultQuality, DefaultMaxWidth)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "err = %v", err)
			assert.Contains(t, err.Error(), "exceeds")
		})
	}
}

func TestOptimizerPixelBudget(t *testing.T) {
	in := dataURL(t, "image/png", noisy(100, 100))

	_, err := New(0.8, 1200, WithMaxPixels(5000)).Optimize(in)
	var de *DecodeError
	assert.True(t, errors.As(err, &de), "err = %v", err)

	_, err = New(0.8, 1200, WithMaxPixels(10000)).Optimize(in)
	assert.NoError(t, err)
}
