// Package imaging shrinks receipt photos before upload.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedImage is returned for data no registered decoder accepts.
	ErrUnsupportedImage = errors.New("unsupported image format")
	// ErrImageTooLarge is returned when the declared dimensions exceed MaxPixels.
	ErrImageTooLarge = errors.New("image dimensions too large")
)

// Options bound the compressed output.
type Options struct {
	TargetBytes  int64
	MaxDimension int // longest side after the first resize
	MinDimension int // stop halving below this longest side
	StartQuality int
	MinQuality   int
	QualityStep  int
	MaxPixels    int64 // width*height accepted for decoding
}

// DefaultOptions targets 500KB JPEGs.
func DefaultOptions() Options {
	return Options{
		TargetBytes:  500 * 1024,
		MaxDimension: 2048,
		MinDimension: 320,
		StartQuality: 90,
		MinQuality:   40,
		QualityStep:  10,
		MaxPixels:    64 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TargetBytes <= 0 {
		o.TargetBytes = d.TargetBytes
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.MinDimension <= 0 {
		o.MinDimension = d.MinDimension
	}
	if o.StartQuality <= 0 || o.StartQuality > 100 {
		o.StartQuality = d.StartQuality
	}
	if o.MinQuality <= 0 || o.MinQuality > o.StartQuality {
		o.MinQuality = min(d.MinQuality, o.StartQuality)
	}
	if o.QualityStep <= 0 {
		o.QualityStep = d.QualityStep
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = d.MaxPixels
	}
	return o
}

// Result is a compressed image.
type Result struct {
	Data      []byte
	Width     int
	Height    int
	Quality   int  // 0 when the input was passed through
	WithinCap bool // false when even the smallest attempt exceeded TargetBytes
}

// Compress re-encodes data as JPEG no larger than opts.TargetBytes when
// possible. Quality drops by QualityStep down to MinQuality; if that is not
// enough the resolution is halved and the quality ladder retried, until the
// longest side would fall below MinDimension. The smallest attempt is
// returned when nothing fits.
func Compress(data []byte, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > opts.MaxPixels {
		return nil, fmt.Errorf("%dx%d: %w", cfg.Width, cfg.Height, ErrImageTooLarge)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	b := img.Bounds()
	if format == "jpeg" && int64(len(data)) <= opts.TargetBytes && longest(b.Dx(), b.Dy()) <= opts.MaxDimension {
		return &Result{Data: data, Width: b.Dx(), Height: b.Dy(), WithinCap: true}, nil
	}

	current := scaleToFit(flatten(img), opts.MaxDimension)

	var best *Result
	for {
		for q := opts.StartQuality; ; q -= opts.QualityStep {
			if q < opts.MinQuality {
				q = opts.MinQuality
			}

			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, current, &jpeg.Options{Quality: q}); err != nil {
				return nil, fmt.Errorf("encode jpeg: %w", err)
			}

			cb := current.Bounds()
			attempt := &Result{Data: buf.Bytes(), Width: cb.Dx(), Height: cb.Dy(), Quality: q}
			if best == nil || len(attempt.Data) < len(best.Data) {
				best = attempt
			}

			if int64(buf.Len()) <= opts.TargetBytes {
				attempt.WithinCap = true
				return attempt, nil
			}

			if q == opts.MinQuality {
				break
			}
		}

		cb := current.Bounds()
		next := longest(cb.Dx(), cb.Dy()) / 2
		if next < opts.MinDimension {
			return best, nil
		}
		current = scaleToFit(current, next)
	}
}

// flatten draws img onto an opaque white canvas, since JPEG has no alpha.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// scaleToFit resizes so the longest side is at most maxSide.
func scaleToFit(img *image.RGBA, maxSide int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if longest(w, h) <= maxSide {
		return img
	}

	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func longest(w, h int) int {
	if w > h {
		return w
	}
	return h
}
