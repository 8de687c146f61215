// Package region isolates the face area of an input photo before it is sent
// to the generative model. The face pixels are extracted into an immutable
// buffer for later compositing and the source region is blanked with neutral
// gray so the model never sees, and therefore never regenerates, the real
// face.
package region

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	_ "image/gif"
	_ "image/jpeg"

	"tryon/internal/domain"
)

const (
	// expandFactor grows the detected box symmetrically so the hair, ears and
	// neck transition stay inside the preserved region. Without it the
	// composite shows a hard seam at the jaw.
	expandFactor = 0.30

	// featherRadius is the width in pixels of the blurred edge of the
	// elliptical alpha mask.
	featherRadius = 14.0

	// MinLandmarkConfidence is the floor below which the caller should fall
	// back to a lower-fidelity pipeline path instead of trusting the region.
	MinLandmarkConfidence = 0.7

	neutralGray = 0x80
)

// Result is the outcome of isolating a face region.
type Result struct {
	// MaskedImage is the PNG-encoded input with the face region replaced by a
	// flat neutral placeholder. On failure it is the original input,
	// unmodified.
	MaskedImage []byte
	// Face holds the extracted pixels and feather mask; nil when isolation
	// failed.
	Face *domain.FaceBuffer
	// Success is false when the image could not be decoded; the caller must
	// fall back to the simpler pipeline variant.
	Success bool
	// LowConfidence signals that supplied landmarks were below
	// MinLandmarkConfidence and the region should not be trusted for
	// high-fidelity compositing.
	LowConfidence bool
}

// EstimateFaceRegion guesses a face box from image dimensions alone: the face
// occupies the top ~40% of the height, centered horizontally, at roughly 0.8
// aspect ratio. A deliberately crude fallback for when no detector output is
// available, not real detection. Pure function of width and height.
func EstimateFaceRegion(imageWidth, imageHeight int) domain.FaceRegion {
	h := int(float64(imageHeight) * 0.40)
	w := int(float64(h) * 0.8)
	if w > imageWidth {
		w = imageWidth
	}
	r := domain.FaceRegion{
		X:          (imageWidth - w) / 2,
		Y:          0,
		Width:      w,
		Height:     h,
		Confidence: 0.3,
	}
	return r.ClampTo(imageWidth, imageHeight)
}

// ExpandRegion grows the box by expandFactor on every side and clamps it to
// the image bounds.
func ExpandRegion(r domain.FaceRegion, imageWidth, imageHeight int) domain.FaceRegion {
	dx := int(float64(r.Width) * expandFactor / 2)
	dy := int(float64(r.Height) * expandFactor / 2)
	out := domain.FaceRegion{
		X:          r.X - dx,
		Y:          r.Y - dy,
		Width:      r.Width + 2*dx,
		Height:     r.Height + 2*dy,
		Landmarks:  r.Landmarks,
		Confidence: r.Confidence,
	}
	return out.ClampTo(imageWidth, imageHeight)
}

// Isolate extracts the face region of img into an immutable FaceBuffer and
// returns a masked copy of the image for downstream generation. When known is
// nil the region is estimated heuristically from the image dimensions.
func Isolate(img []byte, known *domain.FaceRegion, landmarks *domain.Landmarks) Result {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return Result{MaskedImage: img, Success: false}
	}

	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return Result{MaskedImage: img, Success: false}
	}

	lowConfidence := landmarks != nil && landmarks.Confidence < MinLandmarkConfidence

	var box domain.FaceRegion
	if known != nil && known.Valid() {
		box = known.ClampTo(width, height)
	} else {
		box = EstimateFaceRegion(width, height)
	}
	if !box.Valid() {
		return Result{MaskedImage: img, Success: false, LowConfidence: lowConfidence}
	}
	box.Landmarks = landmarks
	expanded := ExpandRegion(box, width, height)
	if !expanded.Valid() {
		return Result{MaskedImage: img, Success: false, LowConfidence: lowConfidence}
	}

	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, decoded, bounds.Min, draw.Src)

	face := extractFace(rgba, expanded)

	fillNeutral(rgba, expanded)
	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return Result{MaskedImage: img, Success: false, LowConfidence: lowConfidence}
	}

	return Result{
		MaskedImage:   buf.Bytes(),
		Face:          face,
		Success:       true,
		LowConfidence: lowConfidence,
	}
}

// extractFace copies the region's pixels into a FaceBuffer and builds the
// elliptical feathered alpha mask.
func extractFace(src *image.RGBA, r domain.FaceRegion) *domain.FaceBuffer {
	min := src.Bounds().Min
	pixels := make([]byte, r.Width*r.Height*4)
	for y := 0; y < r.Height; y++ {
		srcOff := src.PixOffset(min.X+r.X, min.Y+r.Y+y)
		copy(pixels[y*r.Width*4:(y+1)*r.Width*4], src.Pix[srcOff:srcOff+r.Width*4])
	}
	return &domain.FaceBuffer{
		Region: r,
		Pixels: pixels,
		Alpha:  FeatherMask(r.Width, r.Height),
	}
}

// FeatherMask builds an elliptical alpha mask of the given size. Alpha is 255
// inside the ellipse, ramps down linearly across featherRadius pixels at the
// rim, and is 0 outside.
func FeatherMask(width, height int) []byte {
	mask := make([]byte, width*height)
	cx := float64(width) / 2
	cy := float64(height) / 2
	rx := cx
	ry := cy
	if rx <= 0 || ry <= 0 {
		return mask
	}
	// Feather expressed as a fraction of the smaller radius, so small crops
	// still get a soft edge.
	feather := featherRadius / math.Min(rx, ry)
	if feather > 0.9 {
		feather = 0.9
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			nx := (float64(x) + 0.5 - cx) / rx
			ny := (float64(y) + 0.5 - cy) / ry
			d := math.Sqrt(nx*nx + ny*ny)
			var a float64
			switch {
			case d <= 1-feather:
				a = 1
			case d >= 1:
				a = 0
			default:
				a = (1 - d) / feather
			}
			mask[y*width+x] = uint8(a*255 + 0.5)
		}
	}
	return mask
}

func fillNeutral(dst *image.RGBA, r domain.FaceRegion) {
	min := dst.Bounds().Min
	rect := image.Rect(min.X+r.X, min.Y+r.Y, min.X+r.X+r.Width, min.Y+r.Y+r.Height)
	gray := color.RGBA{R: neutralGray, G: neutralGray, B: neutralGray, A: 255}
	draw.Draw(dst, rect, &image.Uniform{gray}, image.Point{}, draw.Src)
}
