// Package service hosts the subscription state machine: the single
// authority for legal status transitions. Webhook deliveries, synchronous
// receipt verification and the expiry sweep all converge here.
//
// Every transition is one conditional read-modify-write against one record.
// There is no in-process locking and no state between invocations; races
// between a webhook and a sweep (or two duplicate deliveries) resolve
// through the store's status-guarded update.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tessera/internal/audit"
	"tessera/internal/subscription/metrics"
	"tessera/internal/subscription/models"
	dErrors "tessera/pkg/domain-errors"
	"tessera/pkg/platform/sentinel"
	"tessera/pkg/requestcontext"
)

// SubscriptionStore is the narrow gateway contract the state machine
// depends on. ConditionalUpdate must enforce optimistic concurrency keyed
// on the status the caller observed.
type SubscriptionStore interface {
	FindByCorrelationKey(ctx context.Context, key string) (*models.SubscriptionRecord, error)
	FindByUser(ctx context.Context, userID string) (*models.SubscriptionRecord, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedStatus models.Status, patch models.Patch) error
	Activate(ctx context.Context, rec *models.SubscriptionRecord) error
}

// ProfileStore mutates the tier projection on the user profile.
type ProfileStore interface {
	SetTier(ctx context.Context, userID string, tier models.Tier) error
}

// SeenStore suppresses duplicate notification deliveries. Optional; the
// machine is idempotent without it.
type SeenStore interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Mark(ctx context.Context, fingerprint string, ttl time.Duration) error
}

// AuditPublisher receives lifecycle audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Outcome reports what applying an event did.
type Outcome struct {
	UserID      string
	From        models.Status
	To          models.Status
	Action      string
	Applied     bool
	TierChanged bool
	Duplicate   bool
}

// Service is the subscription state machine.
type Service struct {
	subs     SubscriptionStore
	profiles ProfileStore
	seen     SeenStore
	seenTTL  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auditPub AuditPublisher
	tracer   trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(pub AuditPublisher) Option {
	return func(s *Service) { s.auditPub = pub }
}

// WithSeenStore enables the duplicate-delivery guard.
func WithSeenStore(store SeenStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.seen = store
		s.seenTTL = ttl
	}
}

// New constructs the state machine service.
func New(subs SubscriptionStore, profiles ProfileStore, opts ...Option) (*Service, error) {
	if subs == nil {
		return nil, errors.New("subscription store is required")
	}
	if profiles == nil {
		return nil, errors.New("profile store is required")
	}
	s := &Service{
		subs:     subs,
		profiles: profiles,
		logger:   slog.Default(),
		tracer:   otel.Tracer("tessera/subscription"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Apply resolves the event's target record and applies the computed
// transition. Re-applying the same (correlation key, kind, occurred-at)
// triple is a successful no-op; events that would regress a later state are
// rejected as stale; a store conflict is retried once against a fresh read.
func (s *Service) Apply(ctx context.Context, ev models.SubscriptionEvent) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.apply",
		trace.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("event.platform", string(ev.Platform)),
		))
	defer span.End()

	now := requestcontext.Now(ctx)

	if dup := s.isDuplicate(ctx, ev); dup {
		if s.metrics != nil {
			s.metrics.DuplicateEventsTotal.Inc()
		}
		return &Outcome{Action: models.ActionNone, Duplicate: true}, nil
	}

	var outcome *Outcome
	for attempt := 0; ; attempt++ {
		rec, err := s.subs.FindByCorrelationKey(ctx, ev.CorrelationKey)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeNotFound, "no subscription for correlation key")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve subscription")
		}

		change, err := models.Transition(rec, ev, now)
		if err != nil {
			if errors.Is(err, models.ErrStaleEvent) {
				if s.metrics != nil {
					s.metrics.StaleEventsTotal.Inc()
				}
				s.logger.WarnContext(ctx, "stale event rejected",
					"kind", ev.Kind,
					"occurred_at", ev.OccurredAt,
					"record_updated_at", rec.UpdatedAt,
					"status", rec.Status,
				)
				return nil, dErrors.New(dErrors.CodeStale, "event is older than the record's latest state")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute transition")
		}

		if change.Patch == nil {
			s.markSeen(ctx, ev)
			return &Outcome{
				UserID: rec.UserID,
				From:   rec.Status,
				To:     rec.Status,
				Action: change.Action,
			}, nil
		}

		err = s.subs.ConditionalUpdate(ctx, rec.ID, rec.Status, *change.Patch)
		if err == nil {
			outcome = &Outcome{
				UserID:  rec.UserID,
				From:    rec.Status,
				To:      change.Patch.Status,
				Action:  change.Action,
				Applied: true,
			}
			outcome.TierChanged = s.projectTier(ctx, rec.UserID, change.Tier)
			s.recordTransition(ctx, ev, outcome)
			s.markSeen(ctx, ev)
			return outcome, nil
		}
		if errors.Is(err, sentinel.ErrConflict) {
			if s.metrics != nil {
				s.metrics.StoreConflictsTotal.Inc()
			}
			// A concurrent writer moved the status first; retry once on a
			// fresh read.
			if attempt == 0 {
				continue
			}
			return nil, dErrors.New(dErrors.CodeConflict, "subscription update conflicted twice")
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "subscription disappeared during update")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update subscription")
	}
}

// ApplyVerifiedPurchase activates the user's subscription from a verified
// receipt. This path is synchronous and user-initiated, so it upserts by
// user rather than resolving a correlation key; the original transaction
// lineage stays immutable once bound.
func (s *Service) ApplyVerifiedPurchase(ctx context.Context, userID string, platform models.Platform, purchase models.VerifiedPurchase) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.apply_verified_purchase",
		trace.WithAttributes(attribute.String("platform", string(platform))))
	defer span.End()

	if userID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "user id is required")
	}

	now := requestcontext.Now(ctx)
	from := models.StatusPending
	if existing, err := s.subs.FindByUser(ctx, userID); err == nil {
		from = existing.Status
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load subscription")
	}

	expiresAt := purchase.ExpiresAt
	rec := &models.SubscriptionRecord{
		ID:                    uuid.New(),
		UserID:                userID,
		Platform:              platform,
		Status:                models.StatusActive,
		ProductID:             purchase.ProductID,
		AutoRenew:             purchase.AutoRenewing,
		ExpiresAt:             &expiresAt,
		StoreTransactionID:    purchase.TransactionID,
		OriginalTransactionID: purchase.OriginalTransactionID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.subs.Activate(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "purchase lineage is bound to a different user")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to activate subscription")
	}

	outcome := &Outcome{
		UserID:  userID,
		From:    from,
		To:      models.StatusActive,
		Action:  models.ActionActivated,
		Applied: true,
	}
	tier := models.TierPremium
	outcome.TierChanged = s.projectTier(ctx, userID, &tier)

	ev := models.SubscriptionEvent{
		Kind:             models.KindPurchased,
		Platform:         platform,
		CorrelationKey:   purchase.OriginalTransactionID,
		NotificationType: "VERIFIED_PURCHASE",
		OccurredAt:       now,
	}
	s.recordTransition(ctx, ev, outcome)
	return outcome, nil
}

func (s *Service) isDuplicate(ctx context.Context, ev models.SubscriptionEvent) bool {
	if s.seen == nil {
		return false
	}
	dup, err := s.seen.Seen(ctx, ev.Fingerprint())
	if err != nil {
		// Guard outage degrades to reprocessing; transitions stay
		// idempotent without it.
		s.logger.WarnContext(ctx, "duplicate guard unavailable", "error", err.Error())
		return false
	}
	return dup
}

func (s *Service) markSeen(ctx context.Context, ev models.SubscriptionEvent) {
	if s.seen == nil {
		return
	}
	if err := s.seen.Mark(ctx, ev.Fingerprint(), s.seenTTL); err != nil {
		s.logger.WarnContext(ctx, "failed to mark notification as seen", "error", err.Error())
	}
}

// projectTier re-establishes the profile tier projection. A missing profile
// is logged and tolerated: the subscription transition has already
// committed and must not be rolled back over a projection target that is
// being provisioned or deleted out of band.
func (s *Service) projectTier(ctx context.Context, userID string, tier *models.Tier) bool {
	if tier == nil {
		return false
	}
	if err := s.profiles.SetTier(ctx, userID, *tier); err != nil {
		s.logger.WarnContext(ctx, "tier projection failed",
			"user_id", userID,
			"tier", string(*tier),
			"error", err.Error(),
		)
		return false
	}
	return true
}

func (s *Service) recordTransition(ctx context.Context, ev models.SubscriptionEvent, outcome *Outcome) {
	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues(string(outcome.From), string(outcome.To)).Inc()
	}
	s.logger.InfoContext(ctx, "subscription transition",
		"user_id", outcome.UserID,
		"from", outcome.From,
		"to", outcome.To,
		"action", outcome.Action,
		"kind", ev.Kind,
		"platform", ev.Platform,
		"request_id", requestcontext.RequestID(ctx),
	)
	if s.auditPub == nil {
		return
	}
	_ = s.auditPub.Emit(ctx, audit.Event{
		Timestamp:        requestcontext.Now(ctx),
		UserID:           outcome.UserID,
		Action:           auditAction(outcome),
		Platform:         string(ev.Platform),
		NotificationType: ev.NotificationType,
		FromStatus:       string(outcome.From),
		ToStatus:         string(outcome.To),
		RequestID:        requestcontext.RequestID(ctx),
	})
}

func auditAction(outcome *Outcome) string {
	switch outcome.To {
	case models.StatusActive:
		if outcome.From == models.StatusActive {
			return audit.EventSubscriptionRenewed
		}
		return audit.EventSubscriptionActivated
	case models.StatusExpired:
		return audit.EventSubscriptionExpired
	case models.StatusCanceled:
		return audit.EventSubscriptionCanceled
	default:
		return outcome.Action
	}
}
