package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tryon/internal/domain"
	"tryon/internal/pipeline"
	"tryon/internal/prompt"
	"tryon/internal/similarity"
	"tryon/internal/styles"
	"tryon/internal/usage"
)

type echoGenerator struct {
	image []byte
}

func (g *echoGenerator) Generate(_ context.Context, _ prompt.Payload) ([]byte, int, error) {
	return g.image, 1, nil
}

func personPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 300, 400))
	for y := 0; y < 400; y++ {
		v := uint8(255 * y / 400)
		for x := 0; x < 300; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func testApp(gen pipeline.Generator) *App {
	limits := usage.DefaultLimits()
	limits.Cooldown = 0
	gate := usage.NewGate(usage.NewMemoryStore(), limits, zerolog.Nop(), nil)
	p := pipeline.New(gate, similarity.NewGate(0.85, zerolog.Nop()), gen, styles.NewEngine(3), zerolog.Nop())
	return NewApp(p, gate, zerolog.Nop())
}

func tryOnBody(t *testing.T, person, garment []byte, variantCount int) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(tryOnRequest{
		PersonImage:  domain.EncodeImagePayload(person, "image/png"),
		GarmentImage: domain.EncodeImagePayload(garment, "image/png"),
		Preset: presetRequest{
			Name:         "studio",
			Scene:        "minimal studio",
			VariantCount: variantCount,
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

func TestTryOnRequiresUser(t *testing.T) {
	app := testApp(&echoGenerator{})
	req := httptest.NewRequest(http.MethodPost, "/v1/tryon", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	app.TryOn(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestTryOnRejectsBadJSON(t *testing.T) {
	app := testApp(&echoGenerator{})
	req := httptest.NewRequest(http.MethodPost, "/v1/tryon", strings.NewReader("{nope"))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()

	app.TryOn(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTryOnRejectsBadImagePayload(t *testing.T) {
	app := testApp(&echoGenerator{})
	body, _ := json.Marshal(tryOnRequest{
		PersonImage:  "!!!not-base64!!!",
		GarmentImage: domain.EncodeImagePayload([]byte("g"), ""),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/tryon", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()

	app.TryOn(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTryOnSuccess(t *testing.T) {
	person := personPNG(t)
	app := testApp(&echoGenerator{image: person})

	req := httptest.NewRequest(http.MethodPost, "/v1/tryon", tryOnBody(t, person, person, 1))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()

	app.TryOn(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp tryOnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Variants) != 1 {
		t.Fatalf("got %d variants, want 1", len(resp.Variants))
	}
	if !strings.HasPrefix(resp.Variants[0].Image, "data:image/png;base64,") {
		t.Fatalf("image payload = %.40q", resp.Variants[0].Image)
	}
	if !resp.Variants[0].Similarity.Passed {
		t.Fatalf("similarity %f should pass", resp.Variants[0].Similarity.Score)
	}
	if resp.RequestID == "" {
		t.Fatal("missing request id")
	}
	if len(resp.Debug) == 0 {
		t.Fatal("missing stage trace")
	}
}

func TestTryOnQuotaDenied(t *testing.T) {
	limits := usage.DefaultLimits()
	limits.DailyCap = 0
	gate := usage.NewGate(usage.NewMemoryStore(), limits, zerolog.Nop(), nil)
	p := pipeline.New(gate, similarity.NewGate(0.85, zerolog.Nop()), &echoGenerator{}, styles.NewEngine(3), zerolog.Nop())
	app := NewApp(p, gate, zerolog.Nop())

	person := personPNG(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/tryon", tryOnBody(t, person, person, 1))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()

	app.TryOn(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] != "quota_exceeded" {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestBuildPreset(t *testing.T) {
	tests := []struct {
		name         string
		in           presetRequest
		wantCount    int
		wantTier     domain.ModelTier
		wantPixelFix bool
	}{
		{"defaults", presetRequest{}, 1, domain.TierStandard, true},
		{"clamp high", presetRequest{VariantCount: 50}, 8, domain.TierStandard, true},
		{"pro disables pixel correction", presetRequest{Tier: "pro", VariantCount: 2}, 2, domain.TierPro, false},
		{"unknown tier falls back", presetRequest{Tier: "ultra"}, 1, domain.TierStandard, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := buildPreset(tc.in)
			if got.VariantCount != tc.wantCount {
				t.Fatalf("count = %d, want %d", got.VariantCount, tc.wantCount)
			}
			if got.Tier != tc.wantTier {
				t.Fatalf("tier = %q, want %q", got.Tier, tc.wantTier)
			}
			if got.PixelCorrection != tc.wantPixelFix {
				t.Fatalf("pixel correction = %v, want %v", got.PixelCorrection, tc.wantPixelFix)
			}
		})
	}
}

func TestUsageEndpoint(t *testing.T) {
	app := testApp(&echoGenerator{})
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()

	app.Usage(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["remaining_today"] != float64(20) {
		t.Fatalf("remaining_today = %v, want 20", resp["remaining_today"])
	}
}
