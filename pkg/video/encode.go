package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// MIMEJPEG is the MIME type of every encoded frame.
const MIMEJPEG = "image/jpeg"

// DefaultQuality is the JPEG quality used for the side-channel, in [0, 1].
const DefaultQuality = 0.5

// Frame is one compressed image ready for the remote channel.
type Frame struct {
	MIMEType string
	Data     []byte
	Width    int
	Height   int
}

// Encode downsamples img proportionally to at most maxWidth pixels wide and
// JPEG-encodes it at quality (0–1). Images narrower than maxWidth are never
// upscaled. A non-positive maxWidth keeps the original size.
func Encode(img image.Image, maxWidth int, quality float64) (Frame, error) {
	if img == nil {
		return Frame{}, errors.New("video: encode: nil image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Frame{}, fmt.Errorf("video: encode: empty image %v", b)
	}

	w, h := targetSize(b.Dx(), b.Dy(), maxWidth)
	src := img
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		src = dst
	}

	q := int(quality*100 + 0.5)
	q = min(max(q, 1), 100)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: q}); err != nil {
		return Frame{}, fmt.Errorf("video: encode: %w", err)
	}
	return Frame{MIMEType: MIMEJPEG, Data: buf.Bytes(), Width: w, Height: h}, nil
}

func targetSize(width, height, maxWidth int) (int, int) {
	if maxWidth <= 0 || width <= maxWidth {
		return width, height
	}
	h := int(float64(height) * float64(maxWidth) / float64(width))
	return maxWidth, max(h, 1)
}
