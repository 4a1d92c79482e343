// Package supervisor periodically sweeps for journeys that have gone
// quiet past their expected next-activity point and forces them
// forward: a ticker-driven hanging-journey sweep that resumes them
// through the timer path, plus a verification pass that a reported
// completion actually reached a durable terminal status.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/journeystore"
	"github.com/nuxie/growth-core/internal/logger"
)

// Resumer re-enters a hung journey's current node on a timer-style
// resume, the same call path a live timer fire would take.
type Resumer interface {
	ResumeJourney(ctx context.Context, j *journeystore.Journey) error
}

// Supervisor is the hanging-journey detector: a ticker sweeps the
// Journey Store for paused journeys whose ResumeAt has passed without
// a live in-process timer firing (process restart, dropped timer,
// clock skew), and forces a resume through the same path a normal
// timer fire would use.
type Supervisor struct {
	store    journeystore.Store
	resumer  Resumer
	log      *logger.Logger
	interval time.Duration
	grace    time.Duration // extra slack past ResumeAt before considering a journey hung
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithCheckInterval(d time.Duration) Option { return func(s *Supervisor) { s.interval = d } }
func WithGracePeriod(d time.Duration) Option    { return func(s *Supervisor) { s.grace = d } }
func WithLogger(l *logger.Logger) Option         { return func(s *Supervisor) { s.log = l } }

// New constructs a Supervisor with a 30s sweep interval and a 10s
// grace period past a journey's ResumeAt before it is considered hung.
func New(store journeystore.Store, resumer Resumer, opts ...Option) *Supervisor {
	s := &Supervisor{
		store: store, resumer: resumer, log: logger.Nop(),
		interval: 30 * time.Second, grace: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.log.Info("journey supervisor starting", "check_interval", s.interval, "grace", s.grace)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("journey supervisor shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.log.Error("hanging journey sweep failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.grace)
	hung, err := s.store.DueForResume(ctx, cutoff, 100)
	if err != nil {
		return fmt.Errorf("supervisor: query due journeys: %w", err)
	}

	var recovered int
	for _, j := range hung {
		s.log.Warn("detected hanging journey", "journey_id", j.ID, "campaign_id", j.CampaignID, "resume_at", j.ResumeAt)
		if err := s.resumer.ResumeJourney(ctx, j); err != nil {
			s.log.Error("failed to resume hanging journey", "journey_id", j.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.log.Info("recovered hanging journeys", "count", recovered)
	}
	return nil
}

// VerifyCompletion re-checks a journey some time after it reports
// `complete`, confirming the Journey Store actually committed a
// terminal status with no dangling after-delay entries — the race
// between a timer cancel and the persistence write leaves exactly
// those behind — before the caller cleans up ancillary state (broker
// bindings, timers).
func VerifyCompletion(ctx context.Context, store journeystore.Store, journeyID string) (bool, error) {
	j, err := store.Get(ctx, journeyID)
	if err != nil {
		return false, fmt.Errorf("supervisor: verify completion: %w", err)
	}
	if j == nil {
		return false, nil
	}
	terminal := j.Status == journeystore.StatusCompleted || j.Status == journeystore.StatusCancelled
	return terminal && len(j.PendingAfterDelay) == 0, nil
}

// ForceExpire marks a journey expired outright, for a caller that
// decides a hung journey is unrecoverable rather than merely needing a
// resume nudge (e.g. its campaign no longer exists). The sweep does not
// call it.
func ForceExpire(ctx context.Context, store journeystore.Store, j *journeystore.Journey) error {
	now := time.Now()
	j.Status = journeystore.StatusCompleted
	j.CompleteReason = campaign.ExitExpired
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.PendingAfterDelay = nil
	return store.Save(ctx, j)
}
