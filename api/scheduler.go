/*
scheduler.go - Periodic integrity verification

PURPOSE:
  Runs the integrity verifier over the whole store on a fixed interval and
  keeps the latest report for GET /api/admin/verify/last. Drift is logged
  at warn level with per-code counts; it is never repaired automatically.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs once immediately on Start
  - Each run is bounded by the interval so a stuck store cannot pile up runs
  - Stop waits for the in-flight run to finish; Start after Stop resumes

USAGE:
  s := NewVerifyScheduler(engine, 15*time.Minute, logger)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - fifo/verify.go: Engine.Verify
  - handlers.go: VerifyLast endpoint
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/lot-engine/fifo"
)

// Verifier is the slice of the engine the scheduler needs.
type Verifier interface {
	Verify(ctx context.Context, scope fifo.Scope) (fifo.VerifyReport, error)
}

// ScheduledReport is the outcome of one scheduled run.
type ScheduledReport struct {
	Report    fifo.VerifyReport
	Err       error
	StartedAt time.Time
	Elapsed   time.Duration
}

// VerifyScheduler runs Verify periodically.
type VerifyScheduler struct {
	verifier Verifier
	interval time.Duration
	logger   zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *ScheduledReport
}

// NewVerifyScheduler creates a scheduler. A non-positive interval yields a
// scheduler that never starts but still serves RunNow.
func NewVerifyScheduler(v Verifier, interval time.Duration, logger zerolog.Logger) *VerifyScheduler {
	return &VerifyScheduler{
		verifier: v,
		interval: interval,
		logger:   logger.With().Str("component", "verify_scheduler").Logger(),
	}
}

// Start begins periodic runs.
func (s *VerifyScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.logger.Info().Msg("scheduler.disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler.started")
}

// Stop halts the scheduler and waits for a running check.
func (s *VerifyScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info().Msg("scheduler.stopped")
}

func (s *VerifyScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunNow(context.Background())
	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow verifies the whole store and records the result.
func (s *VerifyScheduler) RunNow(ctx context.Context) ScheduledReport {
	if s.interval > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.interval)
		defer cancel()
	}

	started := time.Now()
	report, err := s.verifier.Verify(ctx, fifo.Scope{})
	out := ScheduledReport{Report: report, Err: err, StartedAt: started, Elapsed: time.Since(started)}

	switch {
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduler.verify_failed")
	case !report.Clean():
		ev := s.logger.Warn().
			Int("lot_issues", len(report.LotIssues)).
			Int("event_issues", len(report.EventIssues))
		for code, n := range report.CountByCode() {
			ev = ev.Int(code, n)
		}
		ev.Msg("scheduler.drift_detected")
	default:
		s.logger.Debug().
			Int("pairs", report.PairsChecked).
			Int("rule_issues", len(report.RuleIssues)).
			Dur("elapsed", out.Elapsed).
			Msg("scheduler.clean")
	}

	s.lastMu.Lock()
	s.last = &out
	s.lastMu.Unlock()
	return out
}

// Last returns the most recent run, if any.
func (s *VerifyScheduler) Last() (ScheduledReport, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return ScheduledReport{}, false
	}
	return *s.last, true
}
