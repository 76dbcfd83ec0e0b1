package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/browser"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/evidence"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
)

// capturePuzzle screenshots the puzzle canvas and solves it.
func (m *Machine) capturePuzzle(ctx context.Context, a *attempt) error {
	a.out.PuzzleAttempts++

	region, err := m.puzzleRegion(ctx)
	if err != nil {
		return fmt.Errorf("%w: capture puzzle: %v", ErrTransient, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, region, imaging.PNG); err == nil {
		a.capture = buf.Bytes()
	}

	offset, err := m.solver.Solve(region)
	if errors.Is(err, puzzle.ErrPieceNotFound) {
		m.logger.Info("puzzle piece not found, refreshing", "page", a.page, "attempt", a.out.PuzzleAttempts)
		m.saveEvidence(ctx, a, evidence.KindPuzzle, a.capture)
		return m.puzzleFailed(ctx, a, "not_found")
	}
	if err != nil {
		return fmt.Errorf("%w: solve: %v", ErrTransient, err)
	}

	m.logger.Debug("puzzle solved", "page", a.page, "offset", float64(offset))
	a.offset = offset
	a.state = CaptchaSolving
	return nil
}

// puzzleRegion crops the canvas out of a full screenshot. The screenshot may
// be larger than the window in CSS pixels, so the canvas rect is scaled by
// screenshot width over window width.
func (m *Machine) puzzleRegion(ctx context.Context) (image.Image, error) {
	shot, err := m.driver.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	winW, _, err := m.driver.WindowSize(ctx)
	if err != nil {
		return nil, err
	}
	if winW <= 0 {
		return nil, fmt.Errorf("window width %d", winW)
	}

	rect, err := m.driver.ElementRect(ctx, CanvasSelector)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	scale := float64(bounds.Dx()) / float64(winW)
	crop := scaleRect(rect, scale).Add(bounds.Min).Intersect(bounds)
	if crop.Empty() {
		return nil, fmt.Errorf("canvas %+v outside screenshot %v", rect, bounds)
	}
	return imaging.Crop(img, crop), nil
}

func scaleRect(r browser.Rect, scale float64) image.Rectangle {
	return image.Rect(
		int(r.X*scale),
		int(r.Y*scale),
		int((r.X+r.Width)*scale),
		int((r.Y+r.Height)*scale),
	)
}
