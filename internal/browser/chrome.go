package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
)

// Options configures the Chrome session.
type Options struct {
	Headless       bool          `yaml:"headless" envconfig:"HEADLESS"`
	NoSandbox      bool          `yaml:"no_sandbox" envconfig:"NO_SANDBOX"`
	WindowWidth    int           `yaml:"window_width" envconfig:"WINDOW_WIDTH" validate:"gt=0"`
	WindowHeight   int           `yaml:"window_height" envconfig:"WINDOW_HEIGHT" validate:"gt=0"`
	UserAgent      string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	ExecPath       string        `yaml:"exec_path" envconfig:"EXEC_PATH"`
	StartupTimeout time.Duration `yaml:"startup_timeout" envconfig:"STARTUP_TIMEOUT"`
}

// DefaultOptions returns a headless 1000x800 session.
func DefaultOptions() Options {
	return Options{
		Headless:       true,
		NoSandbox:      true,
		WindowWidth:    1000,
		WindowHeight:   800,
		StartupTimeout: 30 * time.Second,
	}
}

// Chrome is a Driver backed by chromedp.
type Chrome struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	logger      *slog.Logger
}

// NewChrome starts a browser and probes it with a blank navigation.
func NewChrome(ctx context.Context, opts Options) (*Chrome, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		logger:      slog.With("component", "browser"),
	}

	timeout := opts.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		c.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	c.logger.Debug("browser started", "headless", opts.Headless,
		"window", fmt.Sprintf("%dx%d", opts.WindowWidth, opts.WindowHeight))
	return c, nil
}

// run executes actions on the tab, cancelled when either ctx or the tab ends.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url))
}

func (c *Chrome) Reload(ctx context.Context) error {
	return c.run(ctx, chromedp.Reload())
}

func (c *Chrome) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("page source: %w", err)
	}
	return html, nil
}

func (c *Chrome) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", jsString(selector))
	if err := c.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return found, nil
}

func (c *Chrome) WaitPresent(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.run(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery))
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("wait %s: %w", selector, err)
	}
}

func (c *Chrome) Click(ctx context.Context, selector string) error {
	return c.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (c *Chrome) ElementRect(ctx context.Context, selector string) (Rect, error) {
	var r Rect
	expr := fmt.Sprintf(`(() => {
		const b = document.querySelector(%s).getBoundingClientRect();
		return {x: b.left, y: b.top, width: b.width, height: b.height};
	})()`, jsString(selector))
	if err := c.run(ctx, chromedp.Evaluate(expr, &r)); err != nil {
		return Rect{}, fmt.Errorf("rect %s: %w", selector, err)
	}
	return r, nil
}

func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

func (c *Chrome) WindowSize(ctx context.Context) (int, int, error) {
	var size struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	expr := `({width: window.outerWidth || window.innerWidth, height: window.outerHeight || window.innerHeight})`
	if err := c.run(ctx, chromedp.Evaluate(expr, &size)); err != nil {
		return 0, 0, fmt.Errorf("window size: %w", err)
	}
	return size.Width, size.Height, nil
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return url, nil
}

// Drag holds the left button on the center of selector, moves by each step
// of the plan and releases where the last move ended.
func (c *Chrome) Drag(ctx context.Context, selector string, plan puzzle.Plan) error {
	rect, err := c.ElementRect(ctx, selector)
	if err != nil {
		return err
	}
	x, y := rect.Center()

	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).WithClickCount(1),
		chromedp.Sleep(plan.Hold),
	}
	for _, step := range plan.Steps {
		x += step.DX
		y += step.DY
		actions = append(actions,
			input.DispatchMouseEvent(input.MouseMoved, x, y).
				WithButton(input.Left).WithButtons(1),
			chromedp.Sleep(step.Delay),
		)
	}
	actions = append(actions,
		input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).WithClickCount(1),
	)

	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("drag %s: %w", selector, err)
	}
	return nil
}

// Close shuts the tab and the browser process.
func (c *Chrome) Close() error {
	c.tabCancel()
	c.allocCancel()
	return nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var _ Driver = (*Chrome)(nil)

// ChromeFactory returns a Factory that starts one Chrome per call.
func ChromeFactory(opts Options) Factory {
	return func(ctx context.Context) (Driver, error) {
		return NewChrome(ctx, opts)
	}
}
