// Package composite restores the original face pixels onto the generated
// image. This is the single point where identity is guaranteed: whatever face
// the model drew inside the placeholder region is discarded and replaced with
// the immutable buffer captured at isolation time.
package composite

import (
	"bytes"
	"image"
	"image/draw"
	"image/png"

	"tryon/internal/domain"
)

// Result is the compositing outcome. When Flagged is true compositing could
// not be applied and Image is the un-composited generated image; the
// similarity gate downstream will almost certainly reject it.
type Result struct {
	Image   []byte
	Flagged bool
}

// Back overlays the face buffer at its recorded coordinates using the
// precomputed feathered alpha mask. The blend is a straight alpha composite;
// all edge softness comes from the mask built during isolation. Any failure
// (undecodable or mis-sized generated image) returns the generated image
// unmodified rather than failing the pipeline.
func Back(generated []byte, face *domain.FaceBuffer) Result {
	if face == nil || len(face.Pixels) == 0 {
		return Result{Image: generated, Flagged: true}
	}

	decoded, _, err := image.Decode(bytes.NewReader(generated))
	if err != nil {
		return Result{Image: generated, Flagged: true}
	}
	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	r := face.Region
	if r.X < 0 || r.Y < 0 || r.X+r.Width > width || r.Y+r.Height > height {
		// The model returned an image with different dimensions than the
		// input; the recorded coordinates no longer apply.
		return Result{Image: generated, Flagged: true}
	}
	if len(face.Pixels) != r.Width*r.Height*4 || len(face.Alpha) != r.Width*r.Height {
		return Result{Image: generated, Flagged: true}
	}

	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, decoded, bounds.Min, draw.Src)

	min := bounds.Min
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			a := uint32(face.Alpha[y*r.Width+x])
			if a == 0 {
				continue
			}
			srcOff := (y*r.Width + x) * 4
			dstOff := rgba.PixOffset(min.X+r.X+x, min.Y+r.Y+y)
			if a == 255 {
				copy(rgba.Pix[dstOff:dstOff+4], face.Pixels[srcOff:srcOff+4])
				continue
			}
			inv := 255 - a
			for ch := 0; ch < 3; ch++ {
				blended := (uint32(face.Pixels[srcOff+ch])*a + uint32(rgba.Pix[dstOff+ch])*inv + 127) / 255
				rgba.Pix[dstOff+ch] = uint8(blended)
			}
			rgba.Pix[dstOff+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return Result{Image: generated, Flagged: true}
	}
	return Result{Image: buf.Bytes()}
}
