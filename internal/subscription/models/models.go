package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a subscription.
//
// Invariants:
//   - exactly one SubscriptionRecord per user
//   - ExpiresAt is set whenever Status is active, grace_period or expired
//   - OriginalTransactionID is immutable once set
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusExpired     Status = "expired"
	StatusCanceled    Status = "canceled"
)

// Entitled reports whether the status grants premium entitlement.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusGracePeriod
}

// rank orders statuses by terminality for the stale-event check. A stale
// event may never move a record from a more-terminal to a less-terminal
// status.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusGracePeriod:
		return 2
	case StatusExpired:
		return 3
	case StatusCanceled:
		return 4
	default:
		return 0
	}
}

// Regresses reports whether moving from s to target loses terminality.
func (s Status) Regresses(target Status) bool {
	return target.rank() < s.rank()
}

// CancellationReason records why a subscription was canceled.
type CancellationReason string

const (
	ReasonRefund       CancellationReason = "refund"
	ReasonRevoked      CancellationReason = "revoked"
	ReasonUserCanceled CancellationReason = "user_canceled"
)

// Tier is the user profile entitlement level projected from the
// subscription status.
type Tier string

const (
	TierMember  Tier = "member"
	TierPremium Tier = "premium"
)

// TierFor returns the profile tier a status projects to.
func TierFor(s Status) Tier {
	if s.Entitled() {
		return TierPremium
	}
	return TierMember
}

// Platform identifies the vendor a subscription was purchased through.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// SubscriptionRecord is the persistent entitlement row, one per user.
type SubscriptionRecord struct {
	ID                    uuid.UUID
	UserID                string
	Platform              Platform
	Status                Status
	ProductID             string
	AutoRenew             bool
	ExpiresAt             *time.Time
	StoreTransactionID    string
	OriginalTransactionID string
	CancellationReason    *CancellationReason
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CorrelationKey returns the durable identifier used to resolve inbound
// events to this record: the original transaction id when known, otherwise
// the store transaction id (Google purchase token).
func (r *SubscriptionRecord) CorrelationKey() string {
	if r.OriginalTransactionID != "" {
		return r.OriginalTransactionID
	}
	return r.StoreTransactionID
}

// VerifiedPurchase is the canonical result of a vendor receipt verification
// call.
type VerifiedPurchase struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	ExpiresAt             time.Time
	AutoRenewing          bool
}

// Patch is the mutation applied by a conditional update. Nil pointer fields
// leave the column untouched; Status and UpdatedAt are always written.
type Patch struct {
	Status                  Status
	AutoRenew               *bool
	ExpiresAt               *time.Time
	CancellationReason      *CancellationReason
	ClearCancellationReason bool
	UpdatedAt               time.Time
}

func boolPtr(b bool) *bool { return &b }

func reasonPtr(r CancellationReason) *CancellationReason { return &r }

// String implements fmt.Stringer for log fields.
func (r *SubscriptionRecord) String() string {
	return fmt.Sprintf("subscription{user=%s status=%s}", r.UserID, r.Status)
}
