// Package polish applies cosmetic post-processing after compositing: color
// harmonization at the face/body seam and micro-contrast restoration on the
// eyes/lips sub-region. Every step is best-effort; a failed step returns its
// input unchanged and never breaks the pipeline.
package polish

import (
	"bytes"
	"image"
	"image/draw"
	"image/png"
	"math"

	"github.com/rs/zerolog"

	"tryon/internal/domain"
)

const (
	// ringWidth is the sampled band of pixels immediately outside the face
	// box used for seam color harmonization.
	ringWidth = 12
	// harmonizeStrength is the partial blend toward the ring color.
	harmonizeStrength = 0.25
	// colorNoiseFloor skips harmonization when the mean delta per channel is
	// below this, avoiding needless recomputation.
	colorNoiseFloor = 2.0

	// Eyes/lips sub-region of the face box for micro-contrast restoration.
	detailWidthFrac  = 0.60
	detailHeightFrac = 0.55
	// unsharpAmount is the strength of the light unsharp mask.
	unsharpAmount = 0.4
)

// Options toggles individual refinements. The zero value enables everything.
type Options struct {
	SkipHarmonize     bool
	SkipMicroContrast bool
}

// Apply runs the polish sequence over the composited image within the given
// face box. Stages run in order: mask-expansion bookkeeping (already applied
// during isolation, logged only), seam harmonization, micro-contrast.
func Apply(img []byte, box domain.FaceRegion, opts Options, logger zerolog.Logger) []byte {
	logger.Debug().
		Str("face_box", box.String()).
		Msg("polish: mask expansion applied during isolation")

	out := img
	if !opts.SkipHarmonize {
		out = harmonizeSeam(out, box, logger)
	}
	if !opts.SkipMicroContrast {
		out = restoreMicroContrast(out, box, logger)
	}
	return out
}

// harmonizeSeam samples the mean color of a ring just outside the face box
// and blends the face region a quarter of the way toward it when the delta
// exceeds the noise floor.
func harmonizeSeam(img []byte, box domain.FaceRegion, logger zerolog.Logger) []byte {
	rgba, bounds, ok := decodeRGBA(img)
	if !ok {
		return img
	}
	width, height := bounds.Dx(), bounds.Dy()
	clamped := box.ClampTo(width, height)
	if !clamped.Valid() {
		return img
	}

	ringR, ringG, ringB, n := sampleRing(rgba, clamped, width, height)
	if n == 0 {
		return img
	}
	meanR := float64(ringR) / float64(n)
	meanG := float64(ringG) / float64(n)
	meanB := float64(ringB) / float64(n)

	faceR, faceG, faceB, fn := sampleBox(rgba, clamped)
	if fn == 0 {
		return img
	}
	delta := (math.Abs(meanR-float64(faceR)/float64(fn)) +
		math.Abs(meanG-float64(faceG)/float64(fn)) +
		math.Abs(meanB-float64(faceB)/float64(fn))) / 3
	if delta <= colorNoiseFloor {
		logger.Debug().Float64("delta", delta).Msg("polish: seam delta below noise floor, skipping")
		return img
	}

	min := bounds.Min
	for y := clamped.Y; y < clamped.Y+clamped.Height; y++ {
		for x := clamped.X; x < clamped.X+clamped.Width; x++ {
			off := rgba.PixOffset(min.X+x, min.Y+y)
			rgba.Pix[off] = blendChannel(rgba.Pix[off], meanR)
			rgba.Pix[off+1] = blendChannel(rgba.Pix[off+1], meanG)
			rgba.Pix[off+2] = blendChannel(rgba.Pix[off+2], meanB)
		}
	}

	out, ok := encodePNG(rgba)
	if !ok {
		return img
	}
	return out
}

// restoreMicroContrast applies a light unsharp mask to the central eyes/lips
// sub-region of the face box only, never the full image.
func restoreMicroContrast(img []byte, box domain.FaceRegion, logger zerolog.Logger) []byte {
	rgba, bounds, ok := decodeRGBA(img)
	if !ok {
		return img
	}
	width, height := bounds.Dx(), bounds.Dy()
	clamped := box.ClampTo(width, height)
	if !clamped.Valid() {
		return img
	}

	dw := int(float64(clamped.Width) * detailWidthFrac)
	dh := int(float64(clamped.Height) * detailHeightFrac)
	detail := domain.FaceRegion{
		X:      clamped.X + (clamped.Width-dw)/2,
		Y:      clamped.Y + (clamped.Height-dh)/2,
		Width:  dw,
		Height: dh,
	}.ClampTo(width, height)
	if detail.Width < 3 || detail.Height < 3 {
		return img
	}

	min := bounds.Min
	src := make([]byte, len(rgba.Pix))
	copy(src, rgba.Pix)

	// Unsharp: out = in + amount*(in - 3x3 box blur of in), interior only.
	for y := detail.Y + 1; y < detail.Y+detail.Height-1; y++ {
		for x := detail.X + 1; x < detail.X+detail.Width-1; x++ {
			for ch := 0; ch < 3; ch++ {
				var sum int
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						sum += int(src[rgba.PixOffset(min.X+x+dx, min.Y+y+dy)+ch])
					}
				}
				blur := float64(sum) / 9
				off := rgba.PixOffset(min.X+x, min.Y+y) + ch
				v := float64(src[off]) + unsharpAmount*(float64(src[off])-blur)
				rgba.Pix[off] = clampByte(v)
			}
		}
	}

	out, ok := encodePNG(rgba)
	if !ok {
		return img
	}
	logger.Debug().Str("detail_box", detail.String()).Msg("polish: micro-contrast restored")
	return out
}

func sampleRing(rgba *image.RGBA, box domain.FaceRegion, width, height int) (r, g, b uint64, n int) {
	outer := domain.FaceRegion{
		X:      box.X - ringWidth,
		Y:      box.Y - ringWidth,
		Width:  box.Width + 2*ringWidth,
		Height: box.Height + 2*ringWidth,
	}.ClampTo(width, height)
	min := rgba.Bounds().Min
	for y := outer.Y; y < outer.Y+outer.Height; y++ {
		for x := outer.X; x < outer.X+outer.Width; x++ {
			inBox := x >= box.X && x < box.X+box.Width && y >= box.Y && y < box.Y+box.Height
			if inBox {
				continue
			}
			off := rgba.PixOffset(min.X+x, min.Y+y)
			r += uint64(rgba.Pix[off])
			g += uint64(rgba.Pix[off+1])
			b += uint64(rgba.Pix[off+2])
			n++
		}
	}
	return r, g, b, n
}

func sampleBox(rgba *image.RGBA, box domain.FaceRegion) (r, g, b uint64, n int) {
	min := rgba.Bounds().Min
	for y := box.Y; y < box.Y+box.Height; y++ {
		for x := box.X; x < box.X+box.Width; x++ {
			off := rgba.PixOffset(min.X+x, min.Y+y)
			r += uint64(rgba.Pix[off])
			g += uint64(rgba.Pix[off+1])
			b += uint64(rgba.Pix[off+2])
			n++
		}
	}
	return r, g, b, n
}

func blendChannel(v uint8, target float64) uint8 {
	return clampByte(float64(v)*(1-harmonizeStrength) + target*harmonizeStrength)
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

func decodeRGBA(img []byte) (*image.RGBA, image.Rectangle, bool) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, image.Rectangle{}, false
	}
	bounds := decoded.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, decoded, bounds.Min, draw.Src)
	return rgba, bounds, true
}

func encodePNG(rgba *image.RGBA) ([]byte, bool) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
