package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tryon/internal/domain"
	"tryon/internal/prompt"
	"tryon/internal/similarity"
	"tryon/internal/styles"
	"tryon/internal/usage"
)

func gradientPNG(t *testing.T, width, height int, inverted bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		v := uint8(255 * y / height)
		if inverted {
			v = 255 - v
		}
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// stubGenerator returns a fixed image for every call and counts invocations.
type stubGenerator struct {
	image []byte
	calls atomic.Int64
	err   error
}

func (s *stubGenerator) Generate(_ context.Context, _ prompt.Payload) ([]byte, int, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, 1, s.err
	}
	return s.image, 1, nil
}

func newTestPipeline(gen Generator) *Pipeline {
	limits := usage.DefaultLimits()
	limits.Cooldown = 0
	gate := usage.NewGate(usage.NewMemoryStore(), limits, zerolog.Nop(), nil)
	simGate := similarity.NewGate(0.85, zerolog.Nop())
	eng := styles.NewEngine(7)
	return New(gate, simGate, gen, eng, zerolog.Nop())
}

func testRequest(t *testing.T, person []byte, count int, pixelCorrection bool) domain.GenerationRequest {
	t.Helper()
	return domain.GenerationRequest{
		PersonImage:  person,
		GarmentImage: gradientPNG(t, 100, 100, false),
		Preset: domain.Preset{
			Name:            "studio",
			Scene:           "minimal studio",
			CameraDistance:  "mid shot",
			VariantCount:    count,
			Tier:            domain.TierStandard,
			PixelCorrection: pixelCorrection,
		},
		UserID:   "user-1",
		ClientIP: "1.2.3.4",
	}
}

func TestRunSingleVariantSuccess(t *testing.T) {
	person := gradientPNG(t, 300, 400, false)
	gen := &stubGenerator{image: person}
	p := newTestPipeline(gen)

	out, err := p.Run(context.Background(), testRequest(t, person, 1, true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Variants) != 1 {
		t.Fatalf("got %d variants, want 1", len(out.Variants))
	}
	v := out.Variants[0]
	if len(v.Image) == 0 {
		t.Fatal("variant has no image")
	}
	if !v.Similarity.Passed() {
		t.Fatalf("similarity %f should pass for a faithful generation", v.Similarity.Score)
	}
	if v.CompositeFlagged {
		t.Fatal("compositing should succeed for matching dimensions")
	}
	if out.RequestID == "" {
		t.Fatal("missing request id")
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("generator calls = %d, want 1", gen.calls.Load())
	}

	assertStage(t, out.Stages, "Face Pixel Extraction", StagePass)
	assertStage(t, out.Stages, "Identity Composite", StagePass)
	assertStage(t, out.Stages, "Similarity Gate", StagePass)
	assertStage(t, out.Stages, "Style Diversification", StageSkip)
}

func TestRunMultiVariant(t *testing.T) {
	person := gradientPNG(t, 300, 400, false)
	gen := &stubGenerator{image: person}
	p := newTestPipeline(gen)

	out, err := p.Run(context.Background(), testRequest(t, person, 3, true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Variants) != 3 {
		t.Fatalf("got %d variants, want 3", len(out.Variants))
	}
	seen := make(map[*styles.Combination]bool)
	for i, v := range out.Variants {
		if v.Style == nil {
			t.Fatalf("variant %d has no style", i)
		}
		if seen[v.Style] {
			t.Fatalf("variant %d shares a style pointer", i)
		}
		seen[v.Style] = true
	}
	if gen.calls.Load() != 3 {
		t.Fatalf("generator calls = %d, want 3", gen.calls.Load())
	}
	assertStage(t, out.Stages, "Style Diversification", StagePass)
}

func TestRunProTierSkipsPixelStages(t *testing.T) {
	person := gradientPNG(t, 300, 400, false)
	gen := &stubGenerator{image: person}
	p := newTestPipeline(gen)

	req := testRequest(t, person, 1, false)
	req.Preset.Tier = domain.TierPro

	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertStage(t, out.Stages, "Face Pixel Extraction", StageSkip)
	assertStage(t, out.Stages, "Identity Composite", StageSkip)
	if hasStage(out.Stages, "Perceptual Polish") {
		t.Fatal("polish must not run without compositing")
	}
}

func TestRunRetriesThenRejects(t *testing.T) {
	person := gradientPNG(t, 300, 400, false)
	// The model keeps producing an anti-correlated image. With pixel
	// correction off nothing restores the face, so the gate rejects, retries
	// once, then fails terminally.
	gen := &stubGenerator{image: gradientPNG(t, 300, 400, true)}
	p := newTestPipeline(gen)

	req := testRequest(t, person, 1, false)
	req.Preset.Tier = domain.TierPro

	_, err := p.Run(context.Background(), req)
	var rej *domain.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Kind != domain.RejectFaceChanged {
		t.Fatalf("kind = %q, want %q", rej.Kind, domain.RejectFaceChanged)
	}
	if gen.calls.Load() != 2 {
		t.Fatalf("generator calls = %d, want 2 (one retry)", gen.calls.Load())
	}
	if !IsFatal(err) {
		t.Fatal("rejection must be reported as fatal")
	}
}

func TestRunAllowsChangesOutsideFaceBox(t *testing.T) {
	person := gradientPNG(t, 300, 400, false)

	// The model redraws the garment area but leaves the face region alone.
	img, err := png.Decode(bytes.NewReader(person))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	redrawn := image.NewRGBA(img.Bounds())
	for y := 0; y < 400; y++ {
		for x := 0; x < 300; x++ {
			if y >= 300 {
				redrawn.SetRGBA(x, y, color.RGBA{R: 30, G: 90, B: 160, A: 255})
				continue
			}
			r, g, b, _ := img.At(x, y).RGBA()
			redrawn.SetRGBA(x, y, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, redrawn); err != nil {
		t.Fatalf("encode: %v", err)
	}

	gen := &stubGenerator{image: buf.Bytes()}
	p := newTestPipeline(gen)

	out, err := p.Run(context.Background(), testRequest(t, person, 1, true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Variants[0].Similarity.Passed() {
		t.Fatalf("similarity %f should pass when only the garment area changed", out.Variants[0].Similarity.Score)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	p := newTestPipeline(&stubGenerator{})
	req := testRequest(t, nil, 1, true)
	if _, err := p.Run(context.Background(), req); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestRunDeniedByGate(t *testing.T) {
	limits := usage.DefaultLimits()
	limits.DailyCap = 0
	gate := usage.NewGate(usage.NewMemoryStore(), limits, zerolog.Nop(), nil)
	p := New(gate, similarity.NewGate(0.85, zerolog.Nop()), &stubGenerator{}, styles.NewEngine(1), zerolog.Nop())

	person := gradientPNG(t, 300, 400, false)
	if _, err := p.Run(context.Background(), testRequest(t, person, 1, true)); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected quota denial, got %v", err)
	}
}

func TestRunReleasesLockOnFailure(t *testing.T) {
	person := gradientPNG(t, 300, 400, false)
	gen := &stubGenerator{err: errors.New("provider exploded")}
	p := newTestPipeline(gen)

	if _, err := p.Run(context.Background(), testRequest(t, person, 1, true)); err == nil {
		t.Fatal("expected failure")
	}

	// The session lock must not stay wedged after a failed run.
	gen2 := &stubGenerator{image: person}
	p2 := p
	p2.generator = gen2
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := p2.Run(context.Background(), testRequest(t, person, 1, true)); err == nil {
			return
		} else if !errors.Is(err, domain.ErrSessionBusy) {
			t.Fatalf("unexpected error: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never released after failed run")
		}
	}
}

func assertStage(t *testing.T, stages []StageRecord, name string, status StageStatus) {
	t.Helper()
	for _, s := range stages {
		if s.Name == name && s.Status == status {
			return
		}
	}
	t.Fatalf("no stage %q with status %q in %+v", name, status, stages)
}

func hasStage(stages []StageRecord, name string) bool {
	for _, s := range stages {
		if s.Name == name {
			return true
		}
	}
	return false
}
