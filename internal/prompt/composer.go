// Package prompt assembles the instruction set sent to the generative model.
// Compose is a pure function: no I/O, no retries, no side effects.
package prompt

import (
	"fmt"
	"strings"

	"tryon/internal/domain"
	"tryon/internal/styles"
)

// Payload is the fully assembled request for one generation attempt.
type Payload struct {
	Instruction string
	// ImageParts are the binary inputs in the order the model should receive
	// them. When the preset locks face identity the person image is placed
	// first so the model attends to it more strongly; otherwise garment-first.
	ImageParts [][]byte
	Tier       domain.ModelTier
}

// FaceInvariantRules captures which identity blocks are included. The zero
// value includes everything.
type FaceInvariantRules struct {
	SkipFaceBlock bool
}

// Compose builds the instruction text in fixed priority order: face
// invariance, demographic safety, expression preservation, realism
// enforcement, garment fidelity, then the per-variant style fragment when one
// is supplied.
func Compose(req domain.GenerationRequest, rules FaceInvariantRules, style *styles.Combination) Payload {
	var blocks []string

	if !rules.SkipFaceBlock {
		blocks = append(blocks, faceInvariantBlock)
	}
	blocks = append(blocks, demographicSafetyBlock, expressionBlock, realismBlock, garmentBlock)

	if scene := strings.TrimSpace(req.Preset.Scene); scene != "" {
		blocks = append(blocks, "Scene: "+scene+".")
	}
	if dist := strings.TrimSpace(req.Preset.CameraDistance); dist != "" {
		blocks = append(blocks, "Camera distance: "+dist+".")
	}
	if style != nil {
		blocks = append(blocks, styleFragment(*style))
	}

	parts := [][]byte{req.GarmentImage, req.PersonImage}
	if req.Preset.LockFaceIdentity {
		parts = [][]byte{req.PersonImage, req.GarmentImage}
	}

	return Payload{
		Instruction: strings.Join(blocks, "\n\n"),
		ImageParts:  parts,
		Tier:        req.Preset.Tier,
	}
}

const faceInvariantBlock = `FACE IDENTITY LOCK.
The face pixels of the person image are read-only. Never generate, reproject,
retouch, or beautify the face. Treat the face region as an immutable pixel
source that will be restored verbatim after generation. Do not invent a new
face under the placeholder region.`

const demographicSafetyBlock = `PRESERVE THE PERSON AS-IS.
Do not slim the body, lighten or darken the skin, smooth the skin, or
normalize any facial or bodily feature. Body weight, skin tone, facial
asymmetry, scars, moles, freckles, wrinkles, and hair texture must remain
exactly as in the person image.`

const expressionBlock = `PRESERVE EXPRESSION EXACTLY.
Mouth open or closed, smile intensity, and eye state (open, closed, squinting)
must match the person image exactly.`

const realismBlock = `REALISM REQUIREMENTS.
Fabric must drape with natural folds and weight. Hands must have
exactly 5 fingers each with correct anatomy. Shadows and lighting must be consistent
with a single plausible light source. Include subtle photographic grain; do
not oversaturate colors or produce a plastic, airbrushed look.`

const garmentBlock = `GARMENT FIDELITY.
The output must visibly show the new garment's color, pattern, and silhouette
on the person. If the garment would appear unchanged from what the person is
already wearing, the generation has failed.`

var lightingText = map[styles.LightingTemperature]string{
	styles.LightingWarm:    "warm golden lighting",
	styles.LightingNeutral: "neutral white-balanced lighting",
	styles.LightingCool:    "cool blue-tinted lighting",
}

var contrastText = map[styles.ContrastLevel]string{
	styles.ContrastSoft:   "soft, low-contrast rendering",
	styles.ContrastMedium: "balanced medium contrast",
	styles.ContrastHigh:   "punchy high contrast",
}

var sceneText = map[styles.SceneRealism]string{
	styles.SceneClean:   "a clean, tidy setting",
	styles.SceneLivedIn: "a lived-in, naturally cluttered setting",
	styles.SceneRaw:     "a raw, candid, unstaged setting",
}

var timeText = map[styles.TimeOfDay]string{
	styles.TimeMorning:   "morning light",
	styles.TimeAfternoon: "afternoon light",
	styles.TimeEvening:   "evening light",
	styles.TimeNight:     "nighttime ambience",
}

var paletteText = map[styles.ColorPalette]string{
	styles.PaletteMuted:  "a muted color palette",
	styles.PaletteEarthy: "an earthy color palette",
	styles.PaletteBold:   "a bold color palette",
}

func styleFragment(c styles.Combination) string {
	return fmt.Sprintf(
		"STYLE DIRECTION.\nRender with %s, %s, in %s, under %s, using %s.",
		lightingText[c.Lighting],
		contrastText[c.Contrast],
		sceneText[c.Scene],
		timeText[c.Time],
		paletteText[c.Palette],
	)
}
