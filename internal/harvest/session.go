package harvest

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/acquire"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/browser"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/evidence"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/glyph"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
)

// Acquirer harvests single pages. *acquire.Machine satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, page int) acquire.PageOutcome
}

// Session is the isolated execution context of one worker. A puzzle solved
// in one session does not unblock another, so sessions are never shared.
type Session interface {
	// Acquirer returns the page acquirer for a shard of year.
	Acquirer(year, shardID int) Acquirer
	Close() error
}

// SessionFactory opens the session of a worker.
type SessionFactory func(ctx context.Context, workerID int) (Session, error)

// SessionDeps are the collaborators shared by every browser session.
// Only configuration and stateless values belong here.
type SessionDeps struct {
	Open        browser.Factory
	Acquire     acquire.Config
	Calibration puzzle.Calibration
	Decoder     *glyph.Decoder
	Evidence    *evidence.Recorder
}

// BrowserSessions returns a factory that gives every worker its own browser,
// solver and navigation limiter.
func BrowserSessions(deps SessionDeps) SessionFactory {
	return func(ctx context.Context, workerID int) (Session, error) {
		driver, err := deps.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open browser for worker %d: %w", workerID, err)
		}
		return &browserSession{
			deps:    deps,
			driver:  driver,
			solver:  puzzle.NewSolver(deps.Calibration, nil),
			limiter: acquire.NewLimiter(deps.Acquire),
			logger:  logging.WorkerLogger(ctx, workerID),
		}, nil
	}
}

type browserSession struct {
	deps    SessionDeps
	driver  browser.Driver
	solver  *puzzle.Solver
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (s *browserSession) Acquirer(year, shardID int) Acquirer {
	return acquire.NewMachine(s.deps.Acquire, year, s.driver,
		acquire.WithSolver(s.solver),
		acquire.WithDecoder(s.deps.Decoder),
		acquire.WithEvidence(s.deps.Evidence),
		acquire.WithLimiter(s.limiter),
		acquire.WithShard(shardID),
		acquire.WithLogger(s.logger.With("component", "acquire", "year", year, "shard_id", shardID)),
	)
}

func (s *browserSession) Close() error {
	return s.driver.Close()
}
