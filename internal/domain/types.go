package domain

import "fmt"

// FaceRegion is a rectangle in source-image pixel coordinates, optionally
// annotated with landmark points and a detection confidence. It is computed
// once per generation request and immutable afterwards.
type FaceRegion struct {
	X      int
	Y      int
	Width  int
	Height int

	Landmarks  *Landmarks
	Confidence float64
}

// Landmarks carries the optional facial anchor points supplied by an upstream
// detector. Coordinates are in source-image pixels.
type Landmarks struct {
	LeftEye    Point
	RightEye   Point
	Nose       Point
	MouthLeft  Point
	MouthRight Point
	Confidence float64
}

// Point is a pixel coordinate.
type Point struct {
	X int
	Y int
}

// Valid reports whether the region has positive extent.
func (r FaceRegion) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

// ClampTo confines the region to the given image bounds, shrinking it where it
// overhangs an edge.
func (r FaceRegion) ClampTo(imageWidth, imageHeight int) FaceRegion {
	out := r
	if out.X < 0 {
		out.Width += out.X
		out.X = 0
	}
	if out.Y < 0 {
		out.Height += out.Y
		out.Y = 0
	}
	if out.X+out.Width > imageWidth {
		out.Width = imageWidth - out.X
	}
	if out.Y+out.Height > imageHeight {
		out.Height = imageHeight - out.Y
	}
	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}
	return out
}

func (r FaceRegion) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// FaceBuffer holds the pixels cropped from the original input photo plus the
// feathered alpha mask used for compositing. It is write-once from the source
// image and never derived from generated output; one buffer belongs to exactly
// one generation request.
type FaceBuffer struct {
	Region FaceRegion
	// Pixels is RGBA data, Region.Width*Region.Height*4 bytes.
	Pixels []byte
	// Alpha is the feather mask, Region.Width*Region.Height bytes, 255 at the
	// core of the ellipse falling to 0 at the rim.
	Alpha []byte
}

// ModelTier selects which provider-side model variant serves the request.
type ModelTier string

const (
	// TierStandard is the cheaper, faster model.
	TierStandard ModelTier = "standard"
	// TierPro is the higher-cost model with stricter provider rate limits.
	// Pixel correction is disabled on this tier.
	TierPro ModelTier = "pro"
)

// Preset describes the requested scene: pose/lighting/background hints, output
// count, model tier, and whether the model should be told to lock face
// identity by input ordering.
type Preset struct {
	Name             string
	Scene            string
	CameraDistance   string
	VariantCount     int
	Tier             ModelTier
	LockFaceIdentity bool
	// PixelCorrection toggles the isolate/composite/polish stages. Off for the
	// pro tier, on otherwise.
	PixelCorrection bool
}

// GenerationRequest is the immutable value driving one pipeline run.
type GenerationRequest struct {
	PersonImage  []byte
	GarmentImage []byte
	Preset       Preset
	UserID       string
	ClientIP     string
	RequestID    string
	Locale       string
}

// Validate checks the request invariants before the pipeline starts.
func (g GenerationRequest) Validate() error {
	if len(g.PersonImage) == 0 {
		return fmt.Errorf("%w: person image is empty", ErrInvalidRequest)
	}
	if len(g.GarmentImage) == 0 {
		return fmt.Errorf("%w: garment image is empty", ErrInvalidRequest)
	}
	if g.Preset.VariantCount < 1 {
		return fmt.Errorf("%w: variant count %d", ErrInvalidRequest, g.Preset.VariantCount)
	}
	if g.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidRequest)
	}
	return nil
}

// SimilarityResult records one similarity-gate evaluation. Score is always a
// real number in [0,1].
type SimilarityResult struct {
	Score          float64
	Threshold      float64
	InputFaceSeen  bool
	OutputFaceSeen bool
}

// Passed reports whether the score met the threshold.
func (s SimilarityResult) Passed() bool {
	return s.Score >= s.Threshold
}
