// Package browser drives a real browser session for page acquisition.
package browser

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
)

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the rect.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Driver is one browser session. A Driver is owned by a single worker.
type Driver interface {
	// Navigate loads url and returns once the document has been requested.
	Navigate(ctx context.Context, url string) error

	// Reload reloads the current document.
	Reload(ctx context.Context) error

	// PageSource returns the current serialized document.
	PageSource(ctx context.Context) (string, error)

	// Exists reports whether selector currently matches an element.
	Exists(ctx context.Context, selector string) (bool, error)

	// WaitPresent waits up to timeout for selector to match.
	// A timeout returns false with a nil error.
	WaitPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error)

	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error

	// ElementRect returns the bounding box of the first element matching selector.
	ElementRect(ctx context.Context, selector string) (Rect, error)

	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// WindowSize returns the browser window size in CSS pixels.
	WindowSize(ctx context.Context) (int, int, error)

	// CurrentURL returns the location of the current document.
	CurrentURL(ctx context.Context) (string, error)

	// Drag presses on selector, performs the plan's moves and releases.
	Drag(ctx context.Context, selector string, plan puzzle.Plan) error

	// Close ends the session.
	Close() error
}

// Factory opens a new driver. Each worker calls it once.
type Factory func(ctx context.Context) (Driver, error)
