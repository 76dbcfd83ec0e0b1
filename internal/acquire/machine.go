// Package acquire turns one list page into decoded records. A page may be
// guarded by a slider puzzle and always renders its numbers through a per-load
// font, so acquisition is a bounded state machine over a browser session.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/browser"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/evidence"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/glyph"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
)

var (
	// ErrCaptchaRejected is returned when a drag was executed but the site did not accept it.
	ErrCaptchaRejected = errors.New("captcha rejected")

	// ErrTransient wraps navigation, DOM and automation failures.
	ErrTransient = errors.New("transient page error")

	// ErrPageExhausted is returned when a page used all of its trials.
	ErrPageExhausted = errors.New("page retries exhausted")
)

// Selectors and signals of the source site.
const (
	TableSelector   = "tr.table-plate3"
	CanvasSelector  = ".geetest_canvas_bg.geetest_absolute"
	SliderSelector  = ".geetest_slider_button"
	RefreshSelector = ".geetest_refresh_1"
	AcceptMarker    = "clear"
)

// DefaultURLTemplate is the yearly event listing. {year} and {page} are substituted.
const DefaultURLTemplate = "https://data.cyzone.cn/event/list-0-1-0-{year}0101-{year}1231-0-{page}/0"

// Config holds the waits and bounds of the machine.
type Config struct {
	URLTemplate string `yaml:"url_template" envconfig:"URL_TEMPLATE" validate:"required,contains={page}"`

	Settle      time.Duration `yaml:"settle" envconfig:"SETTLE"`
	CaptchaWait time.Duration `yaml:"captcha_wait" envconfig:"CAPTCHA_WAIT" validate:"gt=0"`
	SubmitPause time.Duration `yaml:"submit_pause" envconfig:"SUBMIT_PAUSE"`
	VerifyWait  time.Duration `yaml:"verify_wait" envconfig:"VERIFY_WAIT"`
	RefreshWait time.Duration `yaml:"refresh_wait" envconfig:"REFRESH_WAIT"`
	ReloadWait  time.Duration `yaml:"reload_wait" envconfig:"RELOAD_WAIT"`
	Backoff     time.Duration `yaml:"backoff" envconfig:"BACKOFF"`

	MaxPuzzleRefresh int `yaml:"max_puzzle_refresh" envconfig:"MAX_PUZZLE_REFRESH" validate:"gte=0"`
	MaxTrials        int `yaml:"max_trials" envconfig:"MAX_TRIALS" validate:"gte=1"`

	// Navigations per second per worker; 0 disables pacing.
	NavigationRate  float64 `yaml:"navigation_rate" envconfig:"NAVIGATION_RATE" validate:"gte=0"`
	NavigationBurst int     `yaml:"navigation_burst" envconfig:"NAVIGATION_BURST" validate:"gte=0"`
}

// DefaultConfig returns the waits and bounds the source site was observed to need.
func DefaultConfig() Config {
	return Config{
		URLTemplate:      DefaultURLTemplate,
		Settle:           1 * time.Second,
		CaptchaWait:      15 * time.Second,
		SubmitPause:      2 * time.Second,
		VerifyWait:       5 * time.Second,
		RefreshWait:      1 * time.Second,
		ReloadWait:       5 * time.Second,
		Backoff:          10 * time.Second,
		MaxPuzzleRefresh: 3,
		MaxTrials:        10,
	}
}

// PageURL returns the listing URL of a page.
func (c Config) PageURL(year, page int) string {
	return strings.NewReplacer(
		"{year}", strconv.Itoa(year),
		"{page}", strconv.Itoa(page),
	).Replace(c.URLTemplate)
}

// State is a step of page acquisition.
type State int

const (
	Loading State = iota
	TableDetected
	CaptchaPending
	CaptchaSolving
	Verified
	Retrying
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case TableDetected:
		return "table_detected"
	case CaptchaPending:
		return "captcha_pending"
	case CaptchaSolving:
		return "captcha_solving"
	case Verified:
		return "verified"
	case Retrying:
		return "retrying"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies how a page attempt ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeCaptchaBlocked
	OutcomeTransientError
	OutcomeExhaustedRetries
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeCaptchaBlocked:
		return "captcha_blocked"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeExhaustedRetries:
		return "exhausted_retries"
	default:
		return "unknown"
	}
}

// PageOutcome is the result of acquiring one page.
// Kind is OutcomeSuccess or OutcomeExhaustedRetries unless the context ended
// first, in which case it is OutcomeTransientError with Err set to the
// context's error. Cause classifies the last failure seen.
type PageOutcome struct {
	Kind           OutcomeKind
	Cause          OutcomeKind
	Page           int
	Records        []records.Record
	Trials         int
	PuzzleAttempts int
	Refreshes      int
	Reloads        int
	Err            error
}

// Sleeper pauses the machine. Tests substitute a recording fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Machine acquires pages of one year through one browser session.
// A Machine is not safe for concurrent use.
type Machine struct {
	cfg      Config
	year     int
	shardID  int
	driver   browser.Driver
	solver   *puzzle.Solver
	decoder  *glyph.Decoder
	evidence *evidence.Recorder
	limiter  *rate.Limiter
	sleeper  Sleeper
	logger   *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithSolver sets the puzzle solver.
func WithSolver(s *puzzle.Solver) Option {
	return func(m *Machine) { m.solver = s }
}

// WithDecoder sets the glyph decoder.
func WithDecoder(d *glyph.Decoder) Option {
	return func(m *Machine) { m.decoder = d }
}

// WithEvidence keeps failed captures in rec.
func WithEvidence(rec *evidence.Recorder) Option {
	return func(m *Machine) { m.evidence = rec }
}

// WithLimiter paces navigations through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(m *Machine) { m.limiter = l }
}

// WithSleeper replaces real waiting.
func WithSleeper(s Sleeper) Option {
	return func(m *Machine) { m.sleeper = s }
}

// WithShard tags logs and evidence with a shard id.
func WithShard(id int) Option {
	return func(m *Machine) { m.shardID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a machine for pages of year driven through driver.
func NewMachine(cfg Config, year int, driver browser.Driver, opts ...Option) *Machine {
	m := &Machine{
		cfg:     cfg,
		year:    year,
		driver:  driver,
		sleeper: timerSleeper{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.solver == nil {
		m.solver = puzzle.NewSolver(puzzle.DefaultCalibration(), nil)
	}
	if m.decoder == nil {
		m.decoder = glyph.NewDecoder()
	}
	if m.limiter == nil {
		m.limiter = NewLimiter(cfg)
	}
	if m.logger == nil {
		m.logger = slog.With("component", "acquire", "year", year)
	}
	return m
}

// NewLimiter returns the navigation limiter described by cfg.
func NewLimiter(cfg Config) *rate.Limiter {
	if cfg.NavigationRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.NavigationBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.NavigationRate), burst)
}

// attempt carries the per-page loop state.
type attempt struct {
	page        int
	url         string
	out         PageOutcome
	state       State
	puzzleFails int
	verified    bool
	offset      puzzle.Offset
	capture     []byte
	lastErr     error
}

// Acquire runs the machine for one page until it succeeds, exhausts its
// trials or ctx ends. It never recurses: every failure either consumes a
// puzzle refresh or a page trial, both of which are bounded.
func (m *Machine) Acquire(ctx context.Context, page int) PageOutcome {
	started := time.Now()
	a := &attempt{
		page:  page,
		url:   m.cfg.PageURL(m.year, page),
		out:   PageOutcome{Page: page},
		state: Loading,
	}
	logger := m.logger.With("page", page)

	for {
		if err := ctx.Err(); err != nil {
			a.out.Kind = OutcomeTransientError
			a.out.Err = err
			return a.out
		}

		logger.Debug("state", "state", a.state, "trial", a.out.Trials, "puzzle_fails", a.puzzleFails)

		var err error
		switch a.state {
		case Loading:
			err = m.load(ctx, a)
		case CaptchaPending:
			err = m.capturePuzzle(ctx, a)
		case CaptchaSolving:
			err = m.submit(ctx, a)
		case Verified:
			logger.Info("puzzle accepted", "attempts", a.out.PuzzleAttempts)
			a.puzzleFails = 0
			a.verified = true
			a.state = Loading
		case TableDetected:
			err = m.scrape(ctx, a)
		case Retrying:
			err = m.retry(ctx, a, logger)
		case Success:
			a.out.Kind = OutcomeSuccess
			a.out.Err = nil
			logger.Info("page harvested", "records", len(a.out.Records),
				"trials", a.out.Trials, "puzzle_attempts", a.out.PuzzleAttempts)
			if mt := metrics.Get(); mt != nil {
				mt.IncPagesProcessed(m.year)
				mt.AddRecordsHarvested(m.year, len(a.out.Records))
				mt.ObservePageDuration(m.year, time.Since(started).Seconds())
			}
			return a.out
		case Failed:
			a.out.Kind = OutcomeExhaustedRetries
			a.out.Err = fmt.Errorf("%w: page %d after %d trials: %v",
				ErrPageExhausted, page, a.out.Trials, a.lastErr)
			logger.Warn("page exhausted retries", "trials", a.out.Trials, "error", a.lastErr)
			if mt := metrics.Get(); mt != nil {
				mt.IncPagesFailed(m.year)
				mt.ObservePageDuration(m.year, time.Since(started).Seconds())
			}
			return a.out
		}

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			m.fail(ctx, a, err, logger)
		}
	}
}

// load navigates and decides between the table and the puzzle.
func (m *Machine) load(ctx context.Context, a *attempt) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := m.driver.Navigate(ctx, a.url); err != nil {
		return fmt.Errorf("%w: navigate: %v", ErrTransient, err)
	}
	if err := m.sleeper.Sleep(ctx, m.cfg.Settle); err != nil {
		return err
	}

	found, err := m.driver.Exists(ctx, TableSelector)
	if err != nil {
		return fmt.Errorf("%w: find table: %v", ErrTransient, err)
	}
	if found {
		a.state = TableDetected
		return nil
	}

	if a.verified {
		// The puzzle was accepted but the table still did not render.
		return fmt.Errorf("%w: table missing after accepted puzzle", ErrCaptchaRejected)
	}

	present, err := m.driver.WaitPresent(ctx, CanvasSelector, m.cfg.CaptchaWait)
	if err != nil {
		return fmt.Errorf("%w: wait for puzzle: %v", ErrTransient, err)
	}
	if !present {
		return fmt.Errorf("%w: neither table nor puzzle present", ErrTransient)
	}
	a.state = CaptchaPending
	return nil
}

// submit drags the slider by the solved offset and checks the verdict.
func (m *Machine) submit(ctx context.Context, a *attempt) error {
	plan, err := m.solver.Plan(a.offset)
	if err != nil {
		m.logger.Info("unusable puzzle offset, refreshing", "page", a.page, "error", err)
		m.saveEvidence(ctx, a, evidence.KindPuzzle, a.capture)
		return m.puzzleFailed(ctx, a, "not_found")
	}
	if err := m.sleeper.Sleep(ctx, m.cfg.SubmitPause); err != nil {
		return err
	}
	if err := m.driver.Drag(ctx, SliderSelector, plan); err != nil {
		return fmt.Errorf("%w: drag: %v", ErrTransient, err)
	}
	if err := m.sleeper.Sleep(ctx, m.cfg.VerifyWait); err != nil {
		return err
	}

	current, err := m.driver.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: current url: %v", ErrTransient, err)
	}
	if strings.Contains(current, AcceptMarker) {
		if mt := metrics.Get(); mt != nil {
			mt.IncPuzzleAttempts(m.year, "accepted")
		}
		a.state = Verified
		return nil
	}

	m.saveEvidence(ctx, a, evidence.KindRejected, a.capture)
	return m.puzzleFailed(ctx, a, "rejected")
}

// puzzleFailed refreshes the puzzle while refreshes remain, then escalates
// to a full reload. The reload consumes a page trial.
func (m *Machine) puzzleFailed(ctx context.Context, a *attempt, outcome string) error {
	a.puzzleFails++
	a.out.Cause = OutcomeCaptchaBlocked
	if mt := metrics.Get(); mt != nil {
		mt.IncPuzzleAttempts(m.year, outcome)
	}

	if a.puzzleFails <= m.cfg.MaxPuzzleRefresh {
		if err := m.driver.Click(ctx, RefreshSelector); err != nil {
			return fmt.Errorf("%w: refresh puzzle: %v", ErrTransient, err)
		}
		a.out.Refreshes++
		if err := m.sleeper.Sleep(ctx, m.cfg.RefreshWait); err != nil {
			return err
		}
		a.state = CaptchaPending
		return nil
	}

	m.logger.Info("puzzle refresh bound reached, reloading page",
		"page", a.page, "refreshes", a.out.Refreshes)
	a.puzzleFails = 0
	a.out.Trials++
	a.lastErr = ErrCaptchaRejected
	if mt := metrics.Get(); mt != nil {
		mt.IncPageReloads(m.year)
		mt.IncPageTrials(m.year, "reload")
	}
	if a.out.Trials >= m.cfg.MaxTrials {
		a.state = Failed
		return nil
	}

	if err := m.driver.Reload(ctx); err != nil {
		return fmt.Errorf("%w: reload: %v", ErrTransient, err)
	}
	a.out.Reloads++
	if err := m.sleeper.Sleep(ctx, m.cfg.ReloadWait); err != nil {
		return err
	}
	a.state = Loading
	return nil
}

// scrape decodes the detected table.
func (m *Machine) scrape(ctx context.Context, a *attempt) error {
	source, err := m.driver.PageSource(ctx)
	if err != nil {
		return fmt.Errorf("%w: page source: %v", ErrTransient, err)
	}

	blob, err := glyph.ExtractFontBlob(source)
	if err != nil {
		return err
	}
	gm, err := m.decoder.Build(blob)
	if err != nil {
		return err
	}

	rows, err := ExtractRecords(source, a.url, gm, a.page)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: table has no rows", ErrTransient)
	}

	a.out.Records = rows
	a.state = Success
	return nil
}

// fail routes an error to the page-level retry path.
func (m *Machine) fail(ctx context.Context, a *attempt, err error, logger *slog.Logger) {
	a.lastErr = err
	a.out.Err = err
	if !errors.Is(err, ErrCaptchaRejected) {
		a.out.Cause = OutcomeTransientError
	} else {
		a.out.Cause = OutcomeCaptchaBlocked
	}
	logger.Warn("page attempt failed", "trial", a.out.Trials+1, "state", a.state, "error", err)

	if m.evidence != nil {
		if shot, serr := m.driver.Screenshot(ctx); serr == nil {
			m.saveEvidence(ctx, a, evidence.KindError, shot)
		}
	}
	a.state = Retrying
}

// retry counts the trial and backs off, or gives up.
func (m *Machine) retry(ctx context.Context, a *attempt, logger *slog.Logger) error {
	a.out.Trials++
	a.verified = false
	a.puzzleFails = 0
	if mt := metrics.Get(); mt != nil {
		mt.IncPageTrials(m.year, a.out.Cause.String())
	}
	if a.out.Trials >= m.cfg.MaxTrials {
		a.state = Failed
		return nil
	}

	logger.Debug("backing off", "backoff", m.cfg.Backoff, "trial", a.out.Trials)
	if err := m.sleeper.Sleep(ctx, m.cfg.Backoff); err != nil {
		return err
	}
	a.state = Loading
	return nil
}

func (m *Machine) saveEvidence(ctx context.Context, a *attempt, kind evidence.Kind, png []byte) {
	if m.evidence == nil || len(png) == 0 {
		return
	}
	_, err := m.evidence.Save(ctx, evidence.Capture{
		Year:    m.year,
		ShardID: m.shardID,
		Page:    a.page,
		Attempt: a.out.PuzzleAttempts,
		Kind:    kind,
		PNG:     png,
	})
	if err != nil {
		m.logger.Warn("failed to save evidence", "page", a.page, "error", err)
	}
}
