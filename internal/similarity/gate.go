// Package similarity scores how closely the face area of a final output
// matches the face area of the input photo, and decides whether a generation
// is accepted, retried once, or finally rejected. Scoring availability wins
// over strictness: internal scoring errors default to a passing score rather
// than blocking the user's generation.
package similarity

import (
	"bytes"
	"image"
	"image/draw"
	"math"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"tryon/internal/domain"
)

const (
	// DefaultThreshold is the fixed pass threshold per deployment.
	DefaultThreshold = 0.85
	// maxRetries bounds end-to-end regeneration attempts per session.
	maxRetries = 1
	// gridSize is the downsampled comparison grid.
	gridSize = 64
	// fallbackScore is used when scoring itself fails.
	fallbackScore = 0.9

	// Heuristic face crop used when no computed region is available: top 40%
	// of the height, center 60% of the width.
	cropHeightFrac = 0.40
	cropWidthFrac  = 0.60

	retryCounterTTL = 10 * time.Minute
)

// Decision is the gate's verdict for one generation attempt.
type Decision struct {
	Rejected    bool
	ShouldRetry bool
	RetryCount  int
	Result      domain.SimilarityResult
}

// Gate tracks per-session retry counters and applies the threshold.
type Gate struct {
	threshold float64
	retries   *cache.Cache
	logger    zerolog.Logger
}

// NewGate constructs a gate with the given threshold; pass 0 to use
// DefaultThreshold.
func NewGate(threshold float64, logger zerolog.Logger) *Gate {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Gate{
		threshold: threshold,
		retries:   cache.New(retryCounterTTL, time.Minute),
		logger:    logger,
	}
}

// CheckForRejection scores output against input and consults the session's
// retry budget on failure. faceBox, when non-nil, is the region computed by
// the isolator and is used for both crops; otherwise the heuristic top-center
// crop approximates the face area.
func (g *Gate) CheckForRejection(sessionID string, input, output []byte, faceBox *domain.FaceRegion) Decision {
	score, inSeen, outSeen, ok := g.score(input, output, faceBox)
	if !ok {
		// Deliberate availability-over-strictness tradeoff.
		g.logger.Warn().Str("session", sessionID).Msg("similarity: scoring failed, defaulting to pass")
		score = fallbackScore
	}
	result := domain.SimilarityResult{
		Score:          score,
		Threshold:      g.threshold,
		InputFaceSeen:  inSeen,
		OutputFaceSeen: outSeen,
	}

	if result.Passed() {
		g.retries.Delete(sessionID)
		return Decision{Result: result}
	}

	count := 0
	if v, found := g.retries.Get(sessionID); found {
		count = v.(int)
	}
	if count < maxRetries {
		count++
		g.retries.Set(sessionID, count, retryCounterTTL)
		return Decision{Rejected: true, ShouldRetry: true, RetryCount: count, Result: result}
	}

	g.retries.Delete(sessionID)
	return Decision{Rejected: true, ShouldRetry: false, RetryCount: count, Result: result}
}

// score computes normalized cross-correlation between the downsampled
// grayscale face crops of both images, rescaled from [-1,1] to [0,1].
func (g *Gate) score(input, output []byte, faceBox *domain.FaceRegion) (score float64, inSeen, outSeen bool, ok bool) {
	inGrid, inSeen, okIn := faceGrid(input, faceBox)
	outGrid, outSeen, okOut := faceGrid(output, faceBox)
	if !okIn || !okOut {
		return 0, inSeen, outSeen, false
	}

	ncc := crossCorrelate(inGrid, outGrid)
	if math.IsNaN(ncc) || math.IsInf(ncc, 0) {
		return 0, inSeen, outSeen, false
	}
	if ncc > 1 {
		ncc = 1
	}
	if ncc < -1 {
		ncc = -1
	}
	return (ncc + 1) / 2, inSeen, outSeen, true
}

// faceGrid decodes the image, crops the face area, and downsamples it to a
// gridSize x gridSize grayscale grid.
func faceGrid(img []byte, faceBox *domain.FaceRegion) (grid []float64, faceSeen bool, ok bool) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, false, false
	}
	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, false, false
	}

	var crop domain.FaceRegion
	if faceBox != nil && faceBox.Valid() {
		crop = faceBox.ClampTo(width, height)
		faceSeen = true
	} else {
		cw := int(float64(width) * cropWidthFrac)
		crop = domain.FaceRegion{
			X:      (width - cw) / 2,
			Y:      0,
			Width:  cw,
			Height: int(float64(height) * cropHeightFrac),
		}.ClampTo(width, height)
	}
	if !crop.Valid() {
		return nil, faceSeen, false
	}

	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, decoded, bounds.Min, draw.Src)
	min := bounds.Min

	grid = make([]float64, gridSize*gridSize)
	for gy := 0; gy < gridSize; gy++ {
		for gx := 0; gx < gridSize; gx++ {
			sx := crop.X + gx*crop.Width/gridSize
			sy := crop.Y + gy*crop.Height/gridSize
			off := rgba.PixOffset(min.X+sx, min.Y+sy)
			r := float64(rgba.Pix[off])
			gch := float64(rgba.Pix[off+1])
			b := float64(rgba.Pix[off+2])
			grid[gy*gridSize+gx] = 0.299*r + 0.587*gch + 0.114*b
		}
	}
	return grid, faceSeen, true
}

func crossCorrelate(a, b []float64) float64 {
	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var num, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		num += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 && varB == 0 {
		// Two flat crops: identical content.
		return 1
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return num / math.Sqrt(varA*varB)
}
