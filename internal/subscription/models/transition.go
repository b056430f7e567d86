package models

import (
	"errors"
	"time"
)

// ErrStaleEvent is returned when an event's occurred-at predates the
// record's last mutation and applying it would regress the status toward a
// less-terminal state. Vendors do not guarantee ordered delivery; a renewed
// notification arriving after a later expiry must not re-activate anyone.
var ErrStaleEvent = errors.New("stale event")

// Action names the externally visible result of applying an event. The
// vocabulary is surfaced in webhook responses and metrics labels.
const (
	ActionActivated             = "activated"
	ActionEnabledAutoRenew      = "enabled_auto_renew"
	ActionDisabledAutoRenew     = "disabled_auto_renew"
	ActionGracePeriod           = "grace_period"
	ActionExpiredAndDowngraded  = "expired_and_downgraded"
	ActionRefundedAndDowngraded = "refunded_and_downgraded"
	ActionCanceled              = "canceled"
	ActionPaused                = "paused"
	ActionApproachingExpiry     = "approaching_expiry"
	ActionTestNotification      = "test_notification"
	ActionUnhandled             = "unhandled"
	ActionNone                  = "none"
)

// Change is the computed effect of applying one event to one record.
// A nil Patch means no state mutation (observational or no-op event).
// A nil Tier means the profile projection is left untouched.
type Change struct {
	Action string
	Patch  *Patch
	Tier   *Tier
}

func tierPtr(t Tier) *Tier { return &t }

// Transition computes the next state for current under ev. It is pure: all
// persistence, retry and side-effect sequencing happens in the service.
//
// Ordering rule: last-writer-wins by occurred-at. An event older than the
// record's updated-at that would regress terminality is rejected with
// ErrStaleEvent; everything else applies idempotently (re-applying a change
// the record already reflects patches it to the same values).
func Transition(current *SubscriptionRecord, ev SubscriptionEvent, now time.Time) (Change, error) {
	switch ev.Kind {
	case KindRenewed, KindPurchased:
		if stale(current, ev, StatusActive) {
			return Change{}, ErrStaleEvent
		}
		return Change{
			Action: ActionActivated,
			Patch: &Patch{
				Status:                  StatusActive,
				AutoRenew:               boolPtr(true),
				ClearCancellationReason: true,
				UpdatedAt:               now,
			},
			Tier: tierPtr(TierPremium),
		}, nil

	case KindRenewalStatusChanged:
		if current.Status != StatusActive || ev.AutoRenew == nil {
			return Change{Action: ActionNone}, nil
		}
		action := ActionDisabledAutoRenew
		if *ev.AutoRenew {
			action = ActionEnabledAutoRenew
		}
		return Change{
			Action: action,
			Patch: &Patch{
				Status:    StatusActive,
				AutoRenew: ev.AutoRenew,
				UpdatedAt: now,
			},
		}, nil

	case KindRenewalFailed:
		if current.Status != StatusActive {
			return Change{Action: ActionNone}, nil
		}
		return Change{
			Action: ActionGracePeriod,
			Patch: &Patch{
				Status:    StatusGracePeriod,
				UpdatedAt: now,
			},
		}, nil

	case KindExpired, KindGracePeriodExpired:
		if current.Status != StatusActive && current.Status != StatusGracePeriod {
			return Change{Action: ActionNone}, nil
		}
		return Change{
			Action: ActionExpiredAndDowngraded,
			Patch: &Patch{
				Status:    StatusExpired,
				AutoRenew: boolPtr(false),
				UpdatedAt: now,
			},
			Tier: tierPtr(TierMember),
		}, nil

	case KindRefunded, KindRevoked:
		reason := ReasonRefund
		if ev.Kind == KindRevoked {
			reason = ReasonRevoked
		}
		if current.Status == StatusCanceled && current.CancellationReason != nil && *current.CancellationReason == reason {
			return Change{Action: ActionNone}, nil
		}
		return Change{
			Action: ActionRefundedAndDowngraded,
			Patch: &Patch{
				Status:             StatusCanceled,
				AutoRenew:          boolPtr(false),
				CancellationReason: reasonPtr(reason),
				UpdatedAt:          now,
			},
			Tier: tierPtr(TierMember),
		}, nil

	case KindCanceled:
		// Google cancellation: the subscription keeps running until
		// expires_at, so the tier projection is deliberately left alone.
		// Apple's revoke path downgrades immediately; the asymmetry is
		// the vendors' own and is preserved, not unified.
		if current.Status == StatusCanceled {
			return Change{Action: ActionNone}, nil
		}
		return Change{
			Action: ActionCanceled,
			Patch: &Patch{
				Status:             StatusCanceled,
				AutoRenew:          boolPtr(false),
				CancellationReason: reasonPtr(ReasonUserCanceled),
				UpdatedAt:          now,
			},
		}, nil

	case KindPaused:
		if current.Status != StatusActive {
			return Change{Action: ActionNone}, nil
		}
		return Change{
			Action: ActionPaused,
			Patch: &Patch{
				Status:    StatusPending,
				UpdatedAt: now,
			},
		}, nil

	case KindApproachingExpiry:
		// Observational only: counted and logged, never a transition. Hook
		// point for a future vendor renewal-status check.
		return Change{Action: ActionApproachingExpiry}, nil

	case KindTest:
		return Change{Action: ActionTestNotification}, nil

	default:
		return Change{Action: ActionUnhandled}, nil
	}
}

// stale reports whether ev is an out-of-order delivery whose target status
// would regress the record's terminality.
func stale(current *SubscriptionRecord, ev SubscriptionEvent, target Status) bool {
	if ev.OccurredAt.IsZero() {
		return false
	}
	return ev.OccurredAt.Before(current.UpdatedAt) && current.Status.Regresses(target)
}
