package models

import (
	"fmt"
	"time"
)

// EventKind is the canonical vocabulary a vendor notification or sweep
// condition is normalized into. Kinds are vendor-neutral; nothing downstream
// of the normalizer branches on vendor-specific codes.
type EventKind string

const (
	KindRenewed              EventKind = "renewed"
	KindRenewalStatusChanged EventKind = "renewal_status_changed"
	KindRenewalFailed        EventKind = "renewal_failed"
	KindExpired              EventKind = "expired"
	KindGracePeriodExpired   EventKind = "grace_period_expired"
	KindRefunded             EventKind = "refunded"
	KindRevoked              EventKind = "revoked"
	KindPurchased            EventKind = "purchased"
	// KindCanceled is produced only by Google SUBSCRIPTION_CANCELED. Unlike
	// refund/revoke it does not downgrade the profile tier: a Google
	// cancellation keeps its entitlement through expires_at.
	KindCanceled  EventKind = "canceled"
	KindPaused    EventKind = "paused"
	KindTest      EventKind = "test"
	KindUnhandled EventKind = "unhandled"
	// KindApproachingExpiry is synthesized by the sweep for observation
	// only; it never mutates state.
	KindApproachingExpiry EventKind = "approaching_expiry"
)

// SubscriptionEvent is the transient, normalized form of a vendor
// notification or sweep condition. It is constructed by the normalizer or
// sweeper, consumed exactly once by the state machine, and never persisted.
type SubscriptionEvent struct {
	Kind     EventKind
	Platform Platform
	// AutoRenew carries the vendor-reported renewal preference for
	// KindRenewalStatusChanged.
	AutoRenew *bool
	// CorrelationKey resolves the target record: original transaction id
	// (Apple) or purchase token (Google).
	CorrelationKey string
	// NotificationType preserves the vendor-native type name for reporting.
	NotificationType string
	OccurredAt       time.Time
}

// Fingerprint identifies one logical delivery for duplicate suppression.
// Re-delivery of the same (correlation key, kind, occurred-at) triple must
// be a no-op.
func (e SubscriptionEvent) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d", e.CorrelationKey, e.Kind, e.OccurredAt.UnixMilli())
}
