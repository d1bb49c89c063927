// Package vision holds the image operations the turn loop needs:
// frame-difference detection, downscaling for the model, and the click
// preview overlay saved next to each screenshot.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
)

const (
	// DefaultChangeThreshold is the mean per-channel difference (0..1)
	// above which two frames count as visibly different.
	DefaultChangeThreshold = 0.01

	// MaxDim caps the longer side of the screenshot sent to the model.
	MaxDim = 1280

	// Frames are compared on small thumbnails; full-resolution diffing
	// is wasted work for a yes/no answer.
	thumbW = 160
	thumbH = 90
)

// Changed reports whether cur differs visibly from prev. It fails open:
// if either frame is missing the answer is true, so the no-progress
// detector never fires on missing data. A non-positive threshold falls
// back to DefaultChangeThreshold.
func Changed(prev, cur image.Image, threshold float64) bool {
	if prev == nil || cur == nil {
		return true
	}
	if threshold <= 0 {
		threshold = DefaultChangeThreshold
	}

	a := thumbnail(prev)
	b := thumbnail(cur)

	var sum uint64
	pa, pb := a.Pix, b.Pix
	for i := 0; i < len(pa); i += 4 {
		sum += absDiff(pa[i], pb[i])
		sum += absDiff(pa[i+1], pb[i+1])
		sum += absDiff(pa[i+2], pb[i+2])
	}
	n := thumbW * thumbH * 3
	mean := float64(sum) / float64(n) / 255.0
	return mean > threshold
}

func absDiff(a, b uint8) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

func thumbnail(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, thumbW, thumbH))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// ResizeKeepAspect scales img down so its longer side is at most maxDim,
// preserving aspect ratio. Images already within bounds are returned
// unchanged.
func ResizeKeepAspect(img image.Image, maxDim int) image.Image {
	if img == nil || maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// DrawPreview returns a copy of img with a red dot (white outline) at
// the normalized coordinates, marking where the pointer action will
// land. Coordinates are clamped into [0,1] before mapping to pixels.
func DrawPreview(img image.Image, x, y float64) image.Image {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	px := b.Min.X + int(clamp01(x)*float64(b.Dx()-1))
	py := b.Min.Y + int(clamp01(y)*float64(b.Dy()-1))

	const radius = 10
	red := color.RGBA{R: 220, G: 40, B: 40, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for dy := -radius - 2; dy <= radius+2; dy++ {
		for dx := -radius - 2; dx <= radius+2; dx++ {
			cx, cy := px+dx, py+dy
			if cx < b.Min.X || cx >= b.Max.X || cy < b.Min.Y || cy >= b.Max.Y {
				continue
			}
			d2 := dx*dx + dy*dy
			switch {
			case d2 <= radius*radius:
				dst.SetRGBA(cx, cy, red)
			case d2 <= (radius+2)*(radius+2):
				dst.SetRGBA(cx, cy, white)
			}
		}
	}
	return dst
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DecodePNG decodes a PNG byte slice, as returned by the sandbox
// screenshot endpoint.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding png: %w", err)
	}
	return img, nil
}

// EncodePNG renders img back to PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveFrame bounds a screenshot to MaxDim and writes it to path as PNG.
// The resized frame is returned for further processing.
func SaveFrame(img image.Image, path string) (image.Image, error) {
	frame := ResizeKeepAspect(img, MaxDim)
	data, err := EncodePNG(frame)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("saving frame: %w", err)
	}
	return frame, nil
}
