// Package sweeper reconciles wall-clock expiry that vendors never push.
// App Store and Play both deliver expiry notifications on a best-effort
// basis; the sweep walks the store on a schedule and feeds synthetic events
// through the same state machine the webhooks use, so ordering and
// idempotency rules apply identically.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tessera/internal/audit"
	"tessera/internal/subscription/metrics"
	"tessera/internal/subscription/models"
	"tessera/internal/subscription/service"
	dErrors "tessera/pkg/domain-errors"
)

const (
	DefaultGraceWindow = 72 * time.Hour
	DefaultLookahead   = 72 * time.Hour
	DefaultConcurrency = 8

	notificationTypeSweep = "SWEEP"
)

// Store provides the candidate scans. The sweep never mutates through the
// store directly; all writes go through the state machine.
type Store interface {
	ScanExpiredActive(ctx context.Context, now time.Time) ([]models.SubscriptionRecord, error)
	ScanGraceLapsed(ctx context.Context, cutoff time.Time) ([]models.SubscriptionRecord, error)
	ScanApproachingExpiry(ctx context.Context, from, until time.Time) ([]models.SubscriptionRecord, error)
}

// Applier is the state machine entry point the sweep drives.
type Applier interface {
	Apply(ctx context.Context, ev models.SubscriptionEvent) (*service.Outcome, error)
}

// AuditPublisher receives the sweep completion event.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Report aggregates one sweep run. Counts are per record, not per scan row:
// a record that a concurrent webhook already moved is skipped, not failed.
type Report struct {
	ExpiredCount      int64         `json:"expired_count"`
	GraceExpiredCount int64         `json:"grace_expired_count"`
	ApproachingCount  int64         `json:"approaching_count"`
	DowngradedCount   int64         `json:"downgraded_count"`
	FailedCount       int64         `json:"failed_count"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

// Sweeper runs the expiry reconciliation pass.
type Sweeper struct {
	store       Store
	applier     Applier
	graceWindow time.Duration
	lookahead   time.Duration
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	auditPub    AuditPublisher
	tracer      trace.Tracer
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(s *Sweeper) { s.auditPub = pub }
}

// WithWindows overrides the grace window and approaching-expiry lookahead.
func WithWindows(grace, lookahead time.Duration) Option {
	return func(s *Sweeper) {
		if grace > 0 {
			s.graceWindow = grace
		}
		if lookahead > 0 {
			s.lookahead = lookahead
		}
	}
}

func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New constructs a sweeper.
func New(store Store, applier Applier, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("subscription store is required")
	}
	if applier == nil {
		return nil, errors.New("state machine applier is required")
	}
	s := &Sweeper{
		store:       store,
		applier:     applier,
		graceWindow: DefaultGraceWindow,
		lookahead:   DefaultLookahead,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		tracer:      otel.Tracer("tessera/sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep runs one reconciliation pass at the given wall-clock time:
//
//   - active records past expiry expire and downgrade; grace_period is only
//     ever entered through a vendor renewal-failure notification,
//   - grace_period records whose expiry lapsed past the grace window expire,
//   - auto-renewing records expiring inside the lookahead are observed,
//     counted and never transitioned.
//
// Every record's synthetic event goes through the state machine. Per-record
// failures are counted and logged, never aborting the pass. The returned
// error covers scan failures only.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.sweep")
	defer span.End()

	started := time.Now()
	report := &Report{StartedAt: now}
	graceCutoff := now.Add(-s.graceWindow)

	expired, err := s.store.ScanExpiredActive(ctx, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "expired-active scan failed")
	}
	lapsed, err := s.store.ScanGraceLapsed(ctx, graceCutoff)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "grace-lapsed scan failed")
	}
	approaching, err := s.store.ScanApproachingExpiry(ctx, now, now.Add(s.lookahead))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "approaching-expiry scan failed")
	}

	var (
		expiredN, graceExpiredN, approachingN atomic.Int64
		downgradedN, failedN                  atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, rec := range expired {
		g.Go(func() error {
			outcome, ok := s.applyOne(gctx, rec, models.KindExpired, now, &failedN)
			if ok && outcome.Applied {
				expiredN.Add(1)
				if outcome.TierChanged {
					downgradedN.Add(1)
				}
			}
			return nil
		})
	}
	for _, rec := range lapsed {
		g.Go(func() error {
			outcome, ok := s.applyOne(gctx, rec, models.KindGracePeriodExpired, now, &failedN)
			if ok && outcome.Applied {
				graceExpiredN.Add(1)
				if outcome.TierChanged {
					downgradedN.Add(1)
				}
			}
			return nil
		})
	}
	for _, rec := range approaching {
		g.Go(func() error {
			// Observational lap through the state machine: never a
			// transition, but still per-record failure accounting.
			if _, ok := s.applyOne(gctx, rec, models.KindApproachingExpiry, now, &failedN); ok {
				approachingN.Add(1)
				s.logger.InfoContext(gctx, "subscription approaching expiry",
					"user_id", rec.UserID,
					"platform", rec.Platform,
					"expires_at", rec.ExpiresAt,
				)
			}
			return nil
		})
	}

	_ = g.Wait()

	report.ExpiredCount = expiredN.Load()
	report.GraceExpiredCount = graceExpiredN.Load()
	report.ApproachingCount = approachingN.Load()
	report.DowngradedCount = downgradedN.Load()
	report.FailedCount = failedN.Load()
	report.Duration = time.Since(started)

	s.record(ctx, report)
	return report, nil
}

// applyOne drives one synthetic event through the state machine. Stale and
// not-found results mean a concurrent writer got there first; they are
// skipped silently. Everything else counts as a failure. Callers decide what
// the returned outcome is worth; observational events come back with
// Applied=false.
func (s *Sweeper) applyOne(ctx context.Context, rec models.SubscriptionRecord, kind models.EventKind, now time.Time, failed *atomic.Int64) (*service.Outcome, bool) {
	ev := models.SubscriptionEvent{
		Kind:             kind,
		Platform:         rec.Platform,
		CorrelationKey:   rec.CorrelationKey(),
		NotificationType: notificationTypeSweep,
		OccurredAt:       now,
	}
	outcome, err := s.applier.Apply(ctx, ev)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeStale) || dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, false
		}
		failed.Add(1)
		s.logger.ErrorContext(ctx, "sweep transition failed",
			"user_id", rec.UserID,
			"kind", kind,
			"error", err.Error(),
		)
		return nil, false
	}
	return outcome, true
}

func (s *Sweeper) record(ctx context.Context, report *Report) {
	if s.metrics != nil {
		s.metrics.SweepExpired.Add(float64(report.ExpiredCount))
		s.metrics.SweepGraceExpired.Add(float64(report.GraceExpiredCount))
		s.metrics.SweepApproaching.Add(float64(report.ApproachingCount))
		s.metrics.SweepFailures.Add(float64(report.FailedCount))
		s.metrics.SweepDuration.Observe(report.Duration.Seconds())
	}
	s.logger.InfoContext(ctx, "sweep completed",
		"expired", report.ExpiredCount,
		"grace_expired", report.GraceExpiredCount,
		"approaching", report.ApproachingCount,
		"downgraded", report.DowngradedCount,
		"failed", report.FailedCount,
		"duration", report.Duration,
	)
	if s.auditPub == nil {
		return
	}
	_ = s.auditPub.Emit(ctx, audit.Event{
		Timestamp: report.StartedAt,
		Action:    audit.EventSweepCompleted,
	})
}
