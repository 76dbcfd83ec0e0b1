// Package puzzle locates the gap of a slider puzzle and plans a human-looking drag to close it.
package puzzle

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"time"

	"github.com/disintegration/imaging"
)

// ErrPieceNotFound is returned when no contour fits the calibrated piece size.
var ErrPieceNotFound = errors.New("puzzle piece not found")

// Offset is the horizontal drag distance in capture pixels.
type Offset float64

// Calibration holds the constants fitted against the live puzzle.
// They drift when the source changes its widget; keep them in config.
type Calibration struct {
	CropRatio  float64 `yaml:"crop_ratio" envconfig:"CROP_RATIO" validate:"gte=0,lt=1"`
	BlurSigma  float64 `yaml:"blur_sigma" envconfig:"BLUR_SIGMA" validate:"gte=0"`
	CannyLow   float64 `yaml:"canny_low" envconfig:"CANNY_LOW" validate:"gte=0"`
	CannyHigh  float64 `yaml:"canny_high" envconfig:"CANNY_HIGH" validate:"gtefield=CannyLow"`
	MinPiece   int     `yaml:"min_piece" envconfig:"MIN_PIECE" validate:"gt=0"`
	MaxPiece   int     `yaml:"max_piece" envconfig:"MAX_PIECE" validate:"gtefield=MinPiece"`
	Correction float64 `yaml:"correction" envconfig:"CORRECTION"`

	Steps     int           `yaml:"steps" envconfig:"STEPS" validate:"gte=1"`
	Base      float64       `yaml:"base" envconfig:"BASE" validate:"gt=1"`
	MoveScale float64       `yaml:"move_scale" envconfig:"MOVE_SCALE" validate:"gt=0"`
	JitterMax float64       `yaml:"jitter_max" envconfig:"JITTER_MAX" validate:"gte=0"`
	DelayMin  time.Duration `yaml:"delay_min" envconfig:"DELAY_MIN"`
	DelayMax  time.Duration `yaml:"delay_max" envconfig:"DELAY_MAX" validate:"gtefield=DelayMin"`
	HoldMin   time.Duration `yaml:"hold_min" envconfig:"HOLD_MIN"`
	HoldMax   time.Duration `yaml:"hold_max" envconfig:"HOLD_MAX" validate:"gtefield=HoldMin"`
}

// DefaultCalibration returns the values observed on the source site.
func DefaultCalibration() Calibration {
	return Calibration{
		CropRatio:  0.25,
		BlurSigma:  1,
		CannyLow:   200,
		CannyHigh:  400,
		MinPiece:   75,
		MaxPiece:   105,
		Correction: 13,

		Steps:     DefaultSteps,
		Base:      3,
		MoveScale: 0.5,
		JitterMax: 0.2,
		DelayMin:  200 * time.Millisecond,
		DelayMax:  400 * time.Millisecond,
		HoldMin:   300 * time.Millisecond,
		HoldMax:   500 * time.Millisecond,
	}
}

// Solver computes offsets and drag plans. A Solver owns its random source
// and must not be shared between workers.
type Solver struct {
	cal Calibration
	rng *rand.Rand
}

// NewSolver creates a solver. A nil rng is seeded from the clock.
func NewSolver(cal Calibration, rng *rand.Rand) *Solver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Solver{cal: cal, rng: rng}
}

// Calibration returns the solver's constants.
func (s *Solver) Calibration() Calibration {
	return s.cal
}

// Solve finds the gap in capture. The left CropRatio of the image holds the
// loose piece and is ignored.
func (s *Solver) Solve(capture image.Image) (Offset, error) {
	b := capture.Bounds()
	width := b.Dx()
	if width == 0 || b.Dy() == 0 {
		return 0, fmt.Errorf("%w: empty capture", ErrPieceNotFound)
	}

	margin := int(float64(width) * s.cal.CropRatio)
	target := imaging.Crop(capture, image.Rect(b.Min.X+margin, b.Min.Y, b.Max.X, b.Max.Y))
	if s.cal.BlurSigma > 0 {
		target = imaging.Blur(target, s.cal.BlurSigma)
	}

	edges := Canny(target, s.cal.CannyLow, s.cal.CannyHigh)
	for _, c := range ExternalContours(edges) {
		w, h := c.Bounds.Dx(), c.Bounds.Dy()
		if !s.fits(w) || !s.fits(h) {
			continue
		}
		x := float64(c.Bounds.Min.X) + float64(w)/2 +
			float64(width)*s.cal.CropRatio/2 + s.cal.Correction
		return Offset(x), nil
	}
	return 0, ErrPieceNotFound
}

// SolveBytes decodes an encoded capture and solves it.
func (s *Solver) SolveBytes(data []byte) (Offset, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: decode capture: %v", ErrPieceNotFound, err)
	}
	return s.Solve(img)
}

func (s *Solver) fits(v int) bool {
	return v >= s.cal.MinPiece && v <= s.cal.MaxPiece
}
