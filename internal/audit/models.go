package audit

import "time"

// Event captures one externally significant subscription lifecycle action.
// Keep it transport-agnostic so sinks (log, Kafka) can fan out.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"user_id"`
	Action           string    `json:"action"`
	Platform         string    `json:"platform,omitempty"`
	NotificationType string    `json:"notification_type,omitempty"`
	FromStatus       string    `json:"from_status,omitempty"`
	ToStatus         string    `json:"to_status,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
}

// Lifecycle audit actions.
const (
	EventSubscriptionActivated = "subscription_activated"
	EventSubscriptionRenewed   = "subscription_renewed"
	EventSubscriptionExpired   = "subscription_expired"
	EventSubscriptionCanceled  = "subscription_canceled"
	EventTierDowngraded        = "tier_downgraded"
	EventTierUpgraded          = "tier_upgraded"
	EventSweepCompleted        = "sweep_completed"
)
