package domain

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrCooldown        = errors.New("cooldown active")
	ErrSessionBusy     = errors.New("generation already in progress")
	ErrIPThrottled     = errors.New("ip throttled")
	ErrKillSwitch      = errors.New("daily spend limit reached")
	ErrProviderFailure = errors.New("provider failure")
)

// RejectionKind classifies why the pipeline could not produce an acceptable
// output. Each kind maps to one fixed user-facing message; raw provider error
// text never reaches the user.
type RejectionKind string

const (
	RejectFaceChanged      RejectionKind = "face_changed"
	RejectGarmentUnchanged RejectionKind = "garment_unchanged"
	RejectPresetNotVisible RejectionKind = "preset_not_visible"
	RejectHandsBroken      RejectionKind = "hands_broken"
	RejectSmoothSkin       RejectionKind = "ai_smooth_skin"
	RejectMaxRetries       RejectionKind = "max_retries"
)

// RejectionError is the fatal, user-facing pipeline failure.
type RejectionError struct {
	Kind  RejectionKind
	Score float64
}

func (e *RejectionError) Error() string {
	return "generation rejected: " + string(e.Kind)
}

var userMessages = map[RejectionKind]map[string]string{
	RejectFaceChanged: {
		"en": "We couldn't preserve your likeness in this shot. Please try again with a clearer photo.",
		"id": "Kami tidak dapat mempertahankan kemiripan wajah Anda. Coba lagi dengan foto yang lebih jelas.",
	},
	RejectGarmentUnchanged: {
		"en": "The garment didn't apply to the photo. Please try a different garment image.",
		"id": "Pakaian tidak berubah pada foto. Coba gambar pakaian lain.",
	},
	RejectPresetNotVisible: {
		"en": "The selected scene didn't come through. Please try another preset.",
		"id": "Preset yang dipilih tidak terlihat. Coba preset lain.",
	},
	RejectHandsBroken: {
		"en": "Hands in the result looked unnatural. Please retry.",
		"id": "Tangan pada hasil terlihat tidak alami. Silakan coba lagi.",
	},
	RejectSmoothSkin: {
		"en": "The result looked artificially smooth. Please retry with a different photo.",
		"id": "Hasil terlihat terlalu halus. Coba dengan foto lain.",
	},
	RejectMaxRetries: {
		"en": "We couldn't produce a good result right now. Please try again in a moment.",
		"id": "Kami belum bisa menghasilkan gambar yang baik. Coba lagi sebentar lagi.",
	},
}

// UserMessage returns the fixed message for a rejection kind in the given
// locale, falling back to English.
func UserMessage(kind RejectionKind, locale string) string {
	msgs, ok := userMessages[kind]
	if !ok {
		msgs = userMessages[RejectMaxRetries]
	}
	if m, ok := msgs[locale]; ok {
		return m
	}
	return msgs["en"]
}
