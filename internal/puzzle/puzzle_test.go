package puzzle

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture draws a white canvas with dark squares at the given rectangles.
func capture(w, h int, squares ...image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	for _, sq := range squares {
		draw.Draw(img, sq, &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	}
	return img
}

func TestSolveFindsGap(t *testing.T) {
	// Gap at x=220..309 in a 400px capture; the loose piece sits in the
	// cropped left quarter and a small distractor is too small to match.
	img := capture(400, 200,
		image.Rect(220, 50, 310, 140),
		image.Rect(10, 50, 100, 140),
		image.Rect(150, 20, 170, 40),
	)

	s := NewSolver(DefaultCalibration(), rand.New(rand.NewSource(1)))
	off, err := s.Solve(img)
	require.NoError(t, err)

	// crop margin 100: x≈120, w≈90 -> 120 + 45 + 400*0.25/2 + 13
	assert.InDelta(t, 228, float64(off), 3)
}

func TestSolveNoPiece(t *testing.T) {
	s := NewSolver(DefaultCalibration(), nil)

	_, err := s.Solve(capture(400, 200))
	assert.ErrorIs(t, err, ErrPieceNotFound)

	// Too large for the calibrated window.
	_, err = s.Solve(capture(400, 200, image.Rect(150, 10, 300, 190)))
	assert.ErrorIs(t, err, ErrPieceNotFound)

	_, err = s.Solve(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, ErrPieceNotFound)
}

func TestSolveBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, capture(400, 200, image.Rect(220, 50, 310, 140))))

	s := NewSolver(DefaultCalibration(), nil)
	off, err := s.SolveBytes(buf.Bytes())
	require.NoError(t, err)
	assert.InDelta(t, 228, float64(off), 3)

	_, err = s.SolveBytes([]byte("not an image"))
	assert.ErrorIs(t, err, ErrPieceNotFound)
}

func TestExternalContoursSkipsNested(t *testing.T) {
	// Ring with a dot inside its hole.
	e := &EdgeMap{W: 20, H: 20, Pix: make([]bool, 400)}
	set := func(x, y int) { e.Pix[y*20+x] = true }
	for i := 2; i <= 17; i++ {
		set(i, 2)
		set(i, 17)
		set(2, i)
		set(17, i)
	}
	set(9, 9)

	contours := ExternalContours(e)
	require.Len(t, contours, 1)
	assert.Equal(t, image.Rect(2, 2, 18, 18), contours[0].Bounds)
	assert.Equal(t, 16, contours[0].Bounds.Dx())
}

func TestCannyUniformImage(t *testing.T) {
	edges := Canny(capture(50, 50), 200, 400)
	assert.Zero(t, edges.Count())
}

func TestPlanTrajectorySum(t *testing.T) {
	for _, total := range []float64{1, 37.5, 180, 228.25, 1000} {
		deltas := PlanTrajectory(total, 7)
		require.Len(t, deltas, 7)

		var sum float64
		for _, d := range deltas {
			sum += d
		}
		assert.InDelta(t, total, sum, 1e-9)

		for i := 1; i < len(deltas); i++ {
			assert.Less(t, deltas[i], deltas[i-1], "step %d must be smaller than step %d", i, i-1)
		}
	}
}

func TestPlanTrajectoryNonPositive(t *testing.T) {
	for _, total := range []float64{0, -1, -228.25, math.NaN()} {
		assert.Nil(t, PlanTrajectory(total, 7), "total %v", total)
	}

	s := NewSolver(DefaultCalibration(), rand.New(rand.NewSource(1)))
	for _, off := range []Offset{0, -40} {
		_, err := s.Plan(off)
		assert.ErrorIs(t, err, ErrInvalidOffset, "offset %v", off)
	}
}

func TestPlanTrajectoryWeights(t *testing.T) {
	deltas := PlanTrajectory(3279, 7) // sum of 3^1..3^7
	assert.InDelta(t, 2187, deltas[0], 1e-9)
	assert.InDelta(t, 3, deltas[6], 1e-9)

	assert.Len(t, PlanTrajectory(100, 0), DefaultSteps)
}

func TestPlan(t *testing.T) {
	cal := DefaultCalibration()
	s := NewSolver(cal, rand.New(rand.NewSource(42)))

	plan, err := s.Plan(200)
	require.NoError(t, err)
	require.Len(t, plan.Steps, cal.Steps)
	assert.GreaterOrEqual(t, plan.Hold, cal.HoldMin)
	assert.Less(t, plan.Hold, cal.HoldMax)

	for _, st := range plan.Steps {
		assert.GreaterOrEqual(t, st.DY, 0.0)
		assert.Less(t, st.DY, cal.JitterMax)
		assert.GreaterOrEqual(t, st.Delay, cal.DelayMin)
		assert.Less(t, st.Delay, cal.DelayMax)
	}
	assert.InDelta(t, 200*cal.MoveScale, plan.Distance(), 1e-9)

	// Same seed, same plan.
	again, err := NewSolver(cal, rand.New(rand.NewSource(42))).Plan(200)
	require.NoError(t, err)
	assert.Equal(t, plan, again)
	assert.False(t, math.IsNaN(plan.Distance()))
}
