package domain

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestDecodeImagePayload(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G', 0x01, 0x02}
	b64 := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name     string
		payload  string
		wantMime string
		wantErr  bool
	}{
		{"bare base64", b64, "", false},
		{"data uri", "data:image/png;base64," + b64, "image/png", false},
		{"data uri no params", "data:image/jpeg," + b64, "image/jpeg", false},
		{"surrounding whitespace", "  " + b64 + "\n", "", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"malformed data uri", "data:image/png;base64", "", true},
		{"invalid base64", "!!!not-base64!!!", "", true},
		{"empty body", "data:image/png;base64,", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, mime, err := DecodeImagePayload(tc.payload)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("err = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(data) != string(raw) {
				t.Fatalf("data = %v, want %v", data, raw)
			}
			if mime != tc.wantMime {
				t.Fatalf("mime = %q, want %q", mime, tc.wantMime)
			}
		})
	}
}

func TestEncodeImagePayloadRoundTrip(t *testing.T) {
	raw := []byte("image-bytes")
	encoded := EncodeImagePayload(raw, "image/jpeg")
	if !strings.HasPrefix(encoded, "data:image/jpeg;base64,") {
		t.Fatalf("encoded = %q", encoded)
	}
	data, mime, err := DecodeImagePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(data) != string(raw) || mime != "image/jpeg" {
		t.Fatalf("round trip = %q, %q", data, mime)
	}

	// Empty mime defaults to png.
	if got := EncodeImagePayload(raw, ""); !strings.HasPrefix(got, "data:image/png;") {
		t.Fatalf("default mime encoding = %q", got)
	}
}

func TestGenerationRequestValidate(t *testing.T) {
	valid := GenerationRequest{
		PersonImage:  []byte("p"),
		GarmentImage: []byte("g"),
		Preset:       Preset{VariantCount: 1},
		UserID:       "u",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*GenerationRequest)
	}{
		{"no person image", func(r *GenerationRequest) { r.PersonImage = nil }},
		{"no garment image", func(r *GenerationRequest) { r.GarmentImage = nil }},
		{"zero variants", func(r *GenerationRequest) { r.Preset.VariantCount = 0 }},
		{"no user", func(r *GenerationRequest) { r.UserID = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			if err := req.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestFaceRegionClampTo(t *testing.T) {
	tests := []struct {
		name string
		in   FaceRegion
		want FaceRegion
	}{
		{"interior", FaceRegion{X: 10, Y: 10, Width: 50, Height: 50}, FaceRegion{X: 10, Y: 10, Width: 50, Height: 50}},
		{"negative origin", FaceRegion{X: -20, Y: -10, Width: 50, Height: 50}, FaceRegion{X: 0, Y: 0, Width: 30, Height: 40}},
		{"overhang", FaceRegion{X: 80, Y: 90, Width: 50, Height: 50}, FaceRegion{X: 80, Y: 90, Width: 20, Height: 10}},
		{"fully outside", FaceRegion{X: 200, Y: 200, Width: 50, Height: 50}, FaceRegion{X: 200, Y: 200, Width: 0, Height: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.ClampTo(100, 100); got != tc.want {
				t.Fatalf("ClampTo = %+v, want %+v", got, tc.want)
			}
		})
	}
	if (FaceRegion{Width: 0, Height: 5}).Valid() {
		t.Fatal("zero-width region must be invalid")
	}
}

func TestUserMessageLocaleFallback(t *testing.T) {
	if msg := UserMessage(RejectFaceChanged, "id"); !strings.Contains(msg, "wajah") {
		t.Fatalf("id message = %q", msg)
	}
	en := UserMessage(RejectFaceChanged, "en")
	if msg := UserMessage(RejectFaceChanged, "fr"); msg != en {
		t.Fatal("unknown locale must fall back to English")
	}
	if msg := UserMessage(RejectionKind("bogus"), "en"); msg == "" {
		t.Fatal("unknown kind must still produce a message")
	}
}
