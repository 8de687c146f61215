// Package styles generates batches of style combinations for multi-variant
// try-on requests, guaranteeing that every pair of combinations in a batch
// differs on at least MinAxisDifference of the five orthogonal axes.
package styles

import (
	"errors"
	"fmt"
	"math/rand"
)

// MinAxisDifference is the minimum number of axes on which any two
// combinations in one batch must differ.
const MinAxisDifference = 3

// AxisCount is the number of orthogonal style axes.
const AxisCount = 5

type LightingTemperature string

const (
	LightingWarm    LightingTemperature = "warm"
	LightingNeutral LightingTemperature = "neutral"
	LightingCool    LightingTemperature = "cool"
)

type ContrastLevel string

const (
	ContrastSoft   ContrastLevel = "soft"
	ContrastMedium ContrastLevel = "medium"
	ContrastHigh   ContrastLevel = "high"
)

type SceneRealism string

const (
	SceneClean   SceneRealism = "clean"
	SceneLivedIn SceneRealism = "livedIn"
	SceneRaw     SceneRealism = "raw"
)

type TimeOfDay string

const (
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimeEvening   TimeOfDay = "evening"
	TimeNight     TimeOfDay = "night"
)

type ColorPalette string

const (
	PaletteMuted  ColorPalette = "muted"
	PaletteEarthy ColorPalette = "earthy"
	PaletteBold   ColorPalette = "bold"
)

var (
	lightingValues = []LightingTemperature{LightingWarm, LightingNeutral, LightingCool}
	contrastValues = []ContrastLevel{ContrastSoft, ContrastMedium, ContrastHigh}
	sceneValues    = []SceneRealism{SceneClean, SceneLivedIn, SceneRaw}
	timeValues     = []TimeOfDay{TimeMorning, TimeAfternoon, TimeEvening, TimeNight}
	paletteValues  = []ColorPalette{PaletteMuted, PaletteEarthy, PaletteBold}
)

// Combination is one point in the five-axis style space.
type Combination struct {
	Lighting LightingTemperature `json:"lighting"`
	Contrast ContrastLevel       `json:"contrast"`
	Scene    SceneRealism        `json:"scene"`
	Time     TimeOfDay           `json:"time_of_day"`
	Palette  ColorPalette        `json:"palette"`
}

// AxisDifference counts the axes on which two combinations differ.
func AxisDifference(a, b Combination) int {
	n := 0
	if a.Lighting != b.Lighting {
		n++
	}
	if a.Contrast != b.Contrast {
		n++
	}
	if a.Scene != b.Scene {
		n++
	}
	if a.Time != b.Time {
		n++
	}
	if a.Palette != b.Palette {
		n++
	}
	return n
}

// curatedTriples are hand-picked three-variant sets known to satisfy the
// pairwise diversity requirement. For the common three-output request we pick
// one of these rather than generating ad hoc.
var curatedTriples = [][3]Combination{
	{
		{LightingWarm, ContrastSoft, SceneClean, TimeMorning, PaletteEarthy},
		{LightingNeutral, ContrastMedium, SceneLivedIn, TimeAfternoon, PaletteMuted},
		{LightingCool, ContrastHigh, SceneRaw, TimeEvening, PaletteBold},
	},
	{
		{LightingCool, ContrastSoft, SceneLivedIn, TimeNight, PaletteMuted},
		{LightingWarm, ContrastHigh, SceneClean, TimeAfternoon, PaletteBold},
		{LightingNeutral, ContrastMedium, SceneRaw, TimeMorning, PaletteEarthy},
	},
	{
		{LightingNeutral, ContrastHigh, SceneClean, TimeEvening, PaletteMuted},
		{LightingWarm, ContrastMedium, SceneRaw, TimeNight, PaletteEarthy},
		{LightingCool, ContrastSoft, SceneLivedIn, TimeMorning, PaletteBold},
	},
}

// ErrBatchNotDiverse is returned when a generated batch fails post-hoc
// validation. Callers should regenerate rather than use the batch.
var ErrBatchNotDiverse = errors.New("style batch violates diversity requirement")

// Engine produces diverse style batches. The zero value is not usable; use
// NewEngine. The random source is injected so tests can be deterministic.
type Engine struct {
	rng *rand.Rand
}

func NewEngine(seed int64) *Engine {
	return &Engine{rng: rand.New(rand.NewSource(seed))}
}

// GenerateDiverse returns count combinations whose minimum pairwise axis
// difference is at least MinAxisDifference. For count==3 a curated set is
// used; otherwise combinations are built incrementally, preferring axis values
// unused so far in the batch. The returned batch is always validated before
// being handed back.
func (e *Engine) GenerateDiverse(count int) ([]Combination, error) {
	if count < 1 {
		return nil, fmt.Errorf("style count must be >= 1, got %d", count)
	}
	if count == 1 {
		return []Combination{e.randomCombination()}, nil
	}
	if count == 3 {
		set := curatedTriples[e.rng.Intn(len(curatedTriples))]
		return []Combination{set[0], set[1], set[2]}, nil
	}

	const maxAttempts = 24
	for attempt := 0; attempt < maxAttempts; attempt++ {
		batch := e.buildIncremental(count)
		if len(batch) == count && ValidateBatch(batch) == nil {
			return batch, nil
		}
	}
	return nil, ErrBatchNotDiverse
}

// ValidateBatch checks the diversity requirement across the whole batch. This
// is the post-hoc correctness check; it is exposed so callers can verify
// batches they did not build themselves.
func ValidateBatch(batch []Combination) error {
	for i := 0; i < len(batch); i++ {
		for j := i + 1; j < len(batch); j++ {
			if d := AxisDifference(batch[i], batch[j]); d < MinAxisDifference {
				return fmt.Errorf("%w: combinations %d and %d differ on %d axes", ErrBatchNotDiverse, i, j, d)
			}
		}
	}
	return nil
}

func (e *Engine) buildIncremental(count int) []Combination {
	batch := make([]Combination, 0, count)
	for tries := 0; len(batch) < count && tries < count*40; tries++ {
		next := Combination{
			Lighting: pickPreferUnused(e.rng, lightingValues, func(c Combination) LightingTemperature { return c.Lighting }, batch),
			Contrast: pickPreferUnused(e.rng, contrastValues, func(c Combination) ContrastLevel { return c.Contrast }, batch),
			Scene:    pickPreferUnused(e.rng, sceneValues, func(c Combination) SceneRealism { return c.Scene }, batch),
			Time:     pickPreferUnused(e.rng, timeValues, func(c Combination) TimeOfDay { return c.Time }, batch),
			Palette:  pickPreferUnused(e.rng, paletteValues, func(c Combination) ColorPalette { return c.Palette }, batch),
		}
		if diverseAgainst(next, batch) {
			batch = append(batch, next)
			continue
		}
		// Force the pick apart from its nearest neighbour by re-rolling the
		// axes where it collides.
		next = e.mutateApart(next, batch)
		if diverseAgainst(next, batch) {
			batch = append(batch, next)
		}
	}
	return batch
}

func diverseAgainst(c Combination, batch []Combination) bool {
	for _, prev := range batch {
		if AxisDifference(c, prev) < MinAxisDifference {
			return false
		}
	}
	return true
}

func (e *Engine) mutateApart(c Combination, batch []Combination) Combination {
	for _, prev := range batch {
		if AxisDifference(c, prev) >= MinAxisDifference {
			continue
		}
		if c.Lighting == prev.Lighting {
			c.Lighting = otherValue(e.rng, lightingValues, prev.Lighting)
		}
		if c.Contrast == prev.Contrast {
			c.Contrast = otherValue(e.rng, contrastValues, prev.Contrast)
		}
		if c.Scene == prev.Scene {
			c.Scene = otherValue(e.rng, sceneValues, prev.Scene)
		}
		if c.Time == prev.Time {
			c.Time = otherValue(e.rng, timeValues, prev.Time)
		}
		if c.Palette == prev.Palette {
			c.Palette = otherValue(e.rng, paletteValues, prev.Palette)
		}
	}
	return c
}

func (e *Engine) randomCombination() Combination {
	return Combination{
		Lighting: lightingValues[e.rng.Intn(len(lightingValues))],
		Contrast: contrastValues[e.rng.Intn(len(contrastValues))],
		Scene:    sceneValues[e.rng.Intn(len(sceneValues))],
		Time:     timeValues[e.rng.Intn(len(timeValues))],
		Palette:  paletteValues[e.rng.Intn(len(paletteValues))],
	}
}

// pickPreferUnused returns a value for one axis, preferring values not yet
// used among previously generated combinations. Once every value is in use it
// falls back to a uniform random choice.
func pickPreferUnused[T comparable](rng *rand.Rand, values []T, axis func(Combination) T, batch []Combination) T {
	used := make(map[T]bool, len(batch))
	for _, c := range batch {
		used[axis(c)] = true
	}
	var unused []T
	for _, v := range values {
		if !used[v] {
			unused = append(unused, v)
		}
	}
	if len(unused) > 0 {
		return unused[rng.Intn(len(unused))]
	}
	return values[rng.Intn(len(values))]
}

func otherValue[T comparable](rng *rand.Rand, values []T, not T) T {
	for attempt := 0; attempt < 8; attempt++ {
		v := values[rng.Intn(len(values))]
		if v != not {
			return v
		}
	}
	return values[0]
}
