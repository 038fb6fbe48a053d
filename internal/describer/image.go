package describer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// DefaultMaxImageSize bounds both sides of a prepared image
const DefaultMaxImageSize = 512

// PreparedImage is an icon ready to be sent to a vision model
type PreparedImage struct {
	PNG    []byte
	Width  int // Source width before resizing
	Height int // Source height before resizing
}

// PrepareImage decodes the image at path, flattens any transparency onto
// white, shrinks it to fit within maxSize on both sides and re-encodes it
// as PNG. Images already within bounds keep their size.
func PrepareImage(path string, maxSize int) (*PreparedImage, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}

	src, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("image %s has no pixels", path)
	}

	flat := imaging.Overlay(imaging.New(width, height, color.White), src, image.Pt(0, 0), 1.0)

	var out image.Image = flat
	if width > maxSize || height > maxSize {
		out = imaging.Fit(flat, maxSize, maxSize, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image %s: %w", path, err)
	}

	return &PreparedImage{PNG: buf.Bytes(), Width: width, Height: height}, nil
}
