package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"tryon/internal/domain"
	"tryon/internal/executor"
	"tryon/internal/middleware"
	"tryon/internal/pipeline"
	"tryon/internal/styles"
)

type presetRequest struct {
	Name             string `json:"name"`
	Scene            string `json:"scene"`
	CameraDistance   string `json:"camera_distance"`
	VariantCount     int    `json:"variant_count"`
	Tier             string `json:"tier"`
	LockFaceIdentity bool   `json:"lock_face_identity"`
}

type tryOnRequest struct {
	PersonImage  string        `json:"person_image"`
	GarmentImage string        `json:"garment_image"`
	Preset       presetRequest `json:"preset"`
}

type variantResponse struct {
	Image      string              `json:"image"`
	Style      *styles.Combination `json:"style,omitempty"`
	Similarity similarityResponse  `json:"similarity"`
}

type similarityResponse struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

type tryOnResponse struct {
	RequestID      string                 `json:"request_id"`
	Variants       []variantResponse      `json:"variants"`
	RemainingToday int64                  `json:"remaining_today"`
	Debug          []pipeline.StageRecord `json:"debug,omitempty"`
}

// TryOn runs the full identity-preserving generation pipeline for one
// person/garment pair.
func (a *App) TryOn(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	locale := middleware.LocaleFromContext(r.Context())

	var req tryOnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	person, personMime, err := domain.DecodeImagePayload(req.PersonImage)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid person image")
		return
	}
	garment, _, err := domain.DecodeImagePayload(req.GarmentImage)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid garment image")
		return
	}

	preset := buildPreset(req.Preset)
	genReq := domain.GenerationRequest{
		PersonImage:  person,
		GarmentImage: garment,
		Preset:       preset,
		UserID:       userID,
		ClientIP:     middleware.ClientIP(r),
		RequestID:    middleware.RequestIDFromContext(r.Context()),
		Locale:       locale,
	}

	out, err := a.Pipeline.Run(r.Context(), genReq)
	if err != nil {
		a.respondPipelineError(w, err, locale)
		return
	}

	resp := tryOnResponse{
		RequestID:      out.RequestID,
		RemainingToday: out.RemainingToday,
		Variants:       make([]variantResponse, 0, len(out.Variants)),
		Debug:          out.Stages,
	}
	for _, v := range out.Variants {
		resp.Variants = append(resp.Variants, variantResponse{
			Image: domain.EncodeImagePayload(v.Image, personMime),
			Style: v.Style,
			Similarity: similarityResponse{
				Score:     v.Similarity.Score,
				Threshold: v.Similarity.Threshold,
				Passed:    v.Similarity.Passed(),
			},
		})
	}
	a.json(w, http.StatusOK, resp)
}

func buildPreset(p presetRequest) domain.Preset {
	tier := domain.TierStandard
	if p.Tier == string(domain.TierPro) {
		tier = domain.TierPro
	}
	count := p.VariantCount
	if count < 1 {
		count = 1
	}
	if count > 8 {
		count = 8
	}
	return domain.Preset{
		Name:             p.Name,
		Scene:            p.Scene,
		CameraDistance:   p.CameraDistance,
		VariantCount:     count,
		Tier:             tier,
		LockFaceIdentity: p.LockFaceIdentity,
		// Pixel correction is unavailable on the pro tier.
		PixelCorrection: tier != domain.TierPro,
	}
}

// respondPipelineError maps fatal pipeline errors to fixed, localized
// user-facing messages. Raw provider detail never leaves the service.
func (a *App) respondPipelineError(w http.ResponseWriter, err error, locale string) {
	var rej *domain.RejectionError
	if errors.As(err, &rej) {
		a.error(w, http.StatusUnprocessableEntity, string(rej.Kind), domain.UserMessage(rej.Kind, locale))
		return
	}

	var rle *executor.RateLimitExhaustedError
	if errors.As(err, &rle) {
		a.json(w, http.StatusTooManyRequests, map[string]any{
			"error":          string(domain.RejectMaxRetries),
			"message":        domain.UserMessage(domain.RejectMaxRetries, locale),
			"retry_after_ms": rle.RetryAfterMs(),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
	case errors.Is(err, domain.ErrQuotaExceeded):
		a.error(w, http.StatusForbidden, "quota_exceeded", "daily generation quota exceeded")
	case errors.Is(err, domain.ErrCooldown):
		a.error(w, http.StatusTooManyRequests, "cooldown", "please wait before generating again")
	case errors.Is(err, domain.ErrSessionBusy):
		a.error(w, http.StatusConflict, "busy", "a generation is already in progress")
	case errors.Is(err, domain.ErrIPThrottled):
		a.error(w, http.StatusTooManyRequests, "throttled", "too many requests from this address")
	case errors.Is(err, domain.ErrKillSwitch):
		a.error(w, http.StatusServiceUnavailable, "degraded", "generation is temporarily disabled")
	default:
		a.Logger.Error().Err(err).Msg("tryon: pipeline failed")
		a.error(w, http.StatusInternalServerError, "internal", domain.UserMessage(domain.RejectMaxRetries, locale))
	}
}
