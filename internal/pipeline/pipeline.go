// Package pipeline orchestrates one try-on run: usage gating, face region
// isolation, style diversification, prompt composition, rate-limited
// generation, identity compositing, perceptual polish, and the similarity
// gate with its bounded retry back into generation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tryon/internal/composite"
	"tryon/internal/domain"
	"tryon/internal/executor"
	"tryon/internal/polish"
	"tryon/internal/prompt"
	"tryon/internal/region"
	"tryon/internal/similarity"
	"tryon/internal/styles"
	"tryon/internal/usage"
)

// StageStatus mirrors the per-stage trace of the production pipeline.
type StageStatus string

const (
	StagePass StageStatus = "PASS"
	StageFail StageStatus = "FAIL"
	StageSkip StageStatus = "SKIP"
)

// StageRecord is one entry in the debug trace returned with each run.
type StageRecord struct {
	Stage  int            `json:"stage"`
	Name   string         `json:"name"`
	Status StageStatus    `json:"status"`
	TimeMs int64          `json:"timeMs"`
	Data   map[string]any `json:"data,omitempty"`
}

// Variant is one produced output with its diagnostics.
type Variant struct {
	Image      []byte
	Style      *styles.Combination
	Similarity domain.SimilarityResult
	// CompositeFlagged notes that identity compositing could not be applied
	// to this variant.
	CompositeFlagged bool
}

// Output is the result of a full pipeline run.
type Output struct {
	Variants       []Variant
	Stages         []StageRecord
	RequestID      string
	RemainingToday int64
}

// Generator abstracts the rate-limited executor for tests.
type Generator interface {
	Generate(ctx context.Context, payload prompt.Payload) ([]byte, int, error)
}

// Pipeline wires the components. Construct with New.
type Pipeline struct {
	gate      *usage.Gate
	simGate   *similarity.Gate
	generator Generator
	styleEng  *styles.Engine
	logger    zerolog.Logger
}

func New(gate *usage.Gate, simGate *similarity.Gate, generator Generator, styleEng *styles.Engine, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		gate:      gate,
		simGate:   simGate,
		generator: generator,
		styleEng:  styleEng,
		logger:    logger,
	}
}

type stageTrace struct {
	mu      sync.Mutex
	records []StageRecord
	next    int
}

func (t *stageTrace) add(name string, status StageStatus, started time.Time, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.records = append(t.records, StageRecord{
		Stage:  t.next,
		Name:   name,
		Status: status,
		TimeMs: time.Since(started).Milliseconds(),
		Data:   data,
	})
}

// Run executes the full pipeline for one request. Fatal failures come back as
// *domain.RejectionError, *executor.RateLimitExhaustedError, or a gate
// sentinel; everything else recovers locally.
func (p *Pipeline) Run(ctx context.Context, req domain.GenerationRequest) (*Output, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	decision := p.gate.CheckGenerationGate(ctx, req.UserID, req.ClientIP)
	if !decision.Allowed {
		reason := decision.Reason
		if reason == nil {
			reason = domain.ErrQuotaExceeded
		}
		return nil, reason
	}
	requestID := decision.RequestID
	if req.RequestID != "" {
		requestID = req.RequestID
	}

	logger := p.logger.With().Str("request_id", requestID).Logger()
	trace := &stageTrace{}
	totalCalls := 0
	var callsMu sync.Mutex
	addCalls := func(n int) {
		callsMu.Lock()
		totalCalls += n
		callsMu.Unlock()
	}

	outcome := usage.OutcomeFailed
	defer func() {
		if ctx.Err() != nil {
			outcome = usage.OutcomeAborted
		}
		p.gate.CompleteGeneration(context.WithoutCancel(ctx), req.UserID, decision.RequestID, outcome, totalCalls)
	}()

	// Stage: face pixel extraction. Skipped on the pro tier, where pixel
	// correction is disabled and identity rests on the prompt rules alone.
	var iso region.Result
	isoStart := time.Now()
	if req.Preset.PixelCorrection {
		iso = region.Isolate(req.PersonImage, nil, nil)
		status := StagePass
		data := map[string]any{}
		if iso.Face != nil {
			data["faceBox"] = iso.Face.Region.String()
		}
		if !iso.Success {
			status = StageFail
			data["fallback"] = "passthrough"
			logger.Warn().Msg("pipeline: region isolation failed, passing original image through")
		}
		if iso.LowConfidence {
			data["lowConfidence"] = true
		}
		trace.add("Face Pixel Extraction", status, isoStart, data)
	} else {
		iso = region.Result{MaskedImage: req.PersonImage}
		trace.add("Face Pixel Extraction", StageSkip, isoStart, map[string]any{
			"reason": "pixel correction disabled for this model tier",
		})
	}

	// Stage: style diversification for multi-variant requests.
	n := req.Preset.VariantCount
	var styleSet []*styles.Combination
	styleStart := time.Now()
	if n > 1 {
		batch, err := p.styleEng.GenerateDiverse(n)
		if err != nil {
			trace.add("Style Diversification", StageFail, styleStart, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("diversify styles: %w", err)
		}
		if err := styles.ValidateBatch(batch); err != nil {
			trace.add("Style Diversification", StageFail, styleStart, map[string]any{"error": err.Error()})
			return nil, err
		}
		styleSet = make([]*styles.Combination, n)
		for i := range batch {
			c := batch[i]
			styleSet[i] = &c
		}
		trace.add("Style Diversification", StagePass, styleStart, map[string]any{"variants": n})
	} else {
		styleSet = []*styles.Combination{nil}
		trace.add("Style Diversification", StageSkip, styleStart, map[string]any{"reason": "single variant"})
	}

	// The masked person image replaces the original in what the model sees.
	genReq := req
	genReq.PersonImage = iso.MaskedImage

	rules := prompt.FaceInvariantRules{}
	variants := make([]Variant, len(styleSet))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, style := range styleSet {
		i, style := i, style
		eg.Go(func() error {
			v, calls, err := p.runVariant(egCtx, genReq, req.PersonImage, rules, style, iso, trace, requestID, i, logger)
			addCalls(calls)
			if err != nil {
				return err
			}
			variants[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	outcome = usage.OutcomeSuccess
	return &Output{
		Variants:       variants,
		Stages:         trace.records,
		RequestID:      requestID,
		RemainingToday: decision.RemainingToday,
	}, nil
}

// runVariant generates one output, looping back through the executor at most
// once when the similarity gate asks for a retry.
func (p *Pipeline) runVariant(ctx context.Context, req domain.GenerationRequest, originalPerson []byte, rules prompt.FaceInvariantRules, style *styles.Combination, iso region.Result, trace *stageTrace, requestID string, index int, logger zerolog.Logger) (Variant, int, error) {
	payload := prompt.Compose(req, rules, style)
	sessionID := fmt.Sprintf("%s:%d", requestID, index)
	calls := 0

	var faceBox *domain.FaceRegion
	if iso.Face != nil {
		box := iso.Face.Region
		faceBox = &box
	}

	for {
		genStart := time.Now()
		generated, used, err := p.generator.Generate(ctx, payload)
		calls += used
		if err != nil {
			trace.add("Generation", StageFail, genStart, map[string]any{"variant": index, "error": err.Error()})
			return Variant{}, calls, err
		}
		trace.add("Generation", StagePass, genStart, map[string]any{"variant": index, "calls": used})

		final := generated
		flagged := false
		if req.Preset.PixelCorrection && iso.Face != nil {
			compStart := time.Now()
			comp := composite.Back(generated, iso.Face)
			final = comp.Image
			flagged = comp.Flagged
			status := StagePass
			if comp.Flagged {
				status = StageFail
				logger.Warn().Int("variant", index).Msg("pipeline: compositing failed, using raw generation")
			}
			trace.add("Identity Composite", status, compStart, map[string]any{"variant": index})

			if !comp.Flagged {
				polStart := time.Now()
				final = polish.Apply(final, iso.Face.Region, polish.Options{}, logger)
				trace.add("Perceptual Polish", StagePass, polStart, map[string]any{"variant": index})
			}
		} else {
			trace.add("Identity Composite", StageSkip, time.Now(), map[string]any{"variant": index})
		}

		simStart := time.Now()
		decision := p.simGate.CheckForRejection(sessionID, originalPerson, final, faceBox)
		if !decision.Rejected {
			trace.add("Similarity Gate", StagePass, simStart, map[string]any{
				"variant": index,
				"score":   decision.Result.Score,
			})
			return Variant{
				Image:            final,
				Style:            style,
				Similarity:       decision.Result,
				CompositeFlagged: flagged,
			}, calls, nil
		}

		trace.add("Similarity Gate", StageFail, simStart, map[string]any{
			"variant":    index,
			"score":      decision.Result.Score,
			"retry":      decision.ShouldRetry,
			"retryCount": decision.RetryCount,
		})
		if !decision.ShouldRetry {
			return Variant{}, calls, &domain.RejectionError{
				Kind:  domain.RejectFaceChanged,
				Score: decision.Result.Score,
			}
		}
		logger.Info().
			Int("variant", index).
			Float64("score", decision.Result.Score).
			Msg("pipeline: similarity below threshold, regenerating")
	}
}

// IsFatal reports whether err is one of the pipeline's user-facing terminal
// failures rather than an internal error.
func IsFatal(err error) bool {
	var rej *domain.RejectionError
	var rle *executor.RateLimitExhaustedError
	return errors.As(err, &rej) || errors.As(err, &rle)
}
