package polish

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/rs/zerolog"

	"tryon/internal/domain"
)

func encode(t *testing.T, img *image.RGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// twoTonePNG paints the face box one color and everything else another.
func twoTonePNG(t *testing.T, width, height int, box domain.FaceRegion, face, rest color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := rest
			if x >= box.X && x < box.X+box.Width && y >= box.Y && y < box.Y+box.Height {
				c = face
			}
			img.SetRGBA(x, y, c)
		}
	}
	return encode(t, img)
}

func TestApplyGarbagePassesThrough(t *testing.T) {
	garbage := []byte("not an image")
	box := domain.FaceRegion{X: 10, Y: 10, Width: 50, Height: 50}
	out := Apply(garbage, box, Options{}, zerolog.Nop())
	if !bytes.Equal(out, garbage) {
		t.Fatal("undecodable input must pass through unchanged")
	}
}

func TestHarmonizeBelowNoiseFloorIsNoOp(t *testing.T) {
	box := domain.FaceRegion{X: 100, Y: 100, Width: 80, Height: 80}
	// Face and surround differ by 1 per channel, below the 2.0 floor.
	img := twoTonePNG(t, 300, 300, box,
		color.RGBA{R: 100, G: 100, B: 100, A: 255},
		color.RGBA{R: 101, G: 101, B: 101, A: 255})

	out := harmonizeSeam(img, box, zerolog.Nop())
	if !bytes.Equal(out, img) {
		t.Fatal("delta below noise floor must return the input bytes")
	}
}

func TestHarmonizeShiftsFaceTowardRing(t *testing.T) {
	box := domain.FaceRegion{X: 100, Y: 100, Width: 80, Height: 80}
	img := twoTonePNG(t, 300, 300, box,
		color.RGBA{R: 100, G: 100, B: 100, A: 255},
		color.RGBA{R: 200, G: 200, B: 200, A: 255})

	out := harmonizeSeam(img, box, zerolog.Nop())
	decoded, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, _, _, _ := decoded.At(box.X+box.Width/2, box.Y+box.Height/2).RGBA()
	got := int(r >> 8)
	if got <= 100 {
		t.Fatalf("face channel = %d, want shifted above original 100", got)
	}
	if got >= 200 {
		t.Fatalf("face channel = %d, a partial blend must stay below the ring color", got)
	}

	// Surround stays untouched.
	or, _, _, _ := decoded.At(5, 5).RGBA()
	if or>>8 != 200 {
		t.Fatalf("surround channel = %d, want 200", or>>8)
	}
}

func TestMicroContrastTouchesDetailRegionOnly(t *testing.T) {
	box := domain.FaceRegion{X: 50, Y: 50, Width: 100, Height: 100}

	// A checkerboard gives the unsharp mask something to amplify.
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			v := uint8(80)
			if (x+y)%2 == 0 {
				v = 170
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	src := encode(t, img)

	out := restoreMicroContrast(src, box, zerolog.Nop())
	decoded, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Center of the detail sub-region: contrast increased.
	cx, cy := box.X+box.Width/2, box.Y+box.Height/2
	before := img.RGBAAt(cx, cy)
	ar, _, _, _ := decoded.At(cx, cy).RGBA()
	after := uint8(ar >> 8)
	if before.R >= 128 && after <= before.R {
		t.Fatalf("bright detail pixel %d did not gain contrast (was %d)", after, before.R)
	}
	if before.R < 128 && after >= before.R {
		t.Fatalf("dark detail pixel %d did not gain contrast (was %d)", after, before.R)
	}

	// Outside the face box: untouched.
	br, _, _, _ := decoded.At(10, 10).RGBA()
	if uint8(br>>8) != img.RGBAAt(10, 10).R {
		t.Fatal("pixels outside the face box must not change")
	}
}

func TestApplySkipOptions(t *testing.T) {
	box := domain.FaceRegion{X: 100, Y: 100, Width: 80, Height: 80}
	img := twoTonePNG(t, 300, 300, box,
		color.RGBA{R: 100, G: 100, B: 100, A: 255},
		color.RGBA{R: 200, G: 200, B: 200, A: 255})

	out := Apply(img, box, Options{SkipHarmonize: true, SkipMicroContrast: true}, zerolog.Nop())
	if !bytes.Equal(out, img) {
		t.Fatal("with every stage skipped the image must be unchanged")
	}
}
