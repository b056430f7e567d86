package notify

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"tessera/internal/subscription/models"
)

// Google Play Real-time Developer Notification type codes.
const (
	googleRecovered     = 1
	googleRenewed       = 2
	googleCanceled      = 3
	googlePurchased     = 4
	googleOnHold        = 5
	googleInGracePeriod = 6
	googleRestarted     = 7
	googlePaused        = 10
	googleRevoked       = 12
	googleExpired       = 13
)

var googleTypeNames = map[int]string{
	googleRecovered:     "SUBSCRIPTION_RECOVERED",
	googleRenewed:       "SUBSCRIPTION_RENEWED",
	googleCanceled:      "SUBSCRIPTION_CANCELED",
	googlePurchased:     "SUBSCRIPTION_PURCHASED",
	googleOnHold:        "SUBSCRIPTION_ON_HOLD",
	googleInGracePeriod: "SUBSCRIPTION_IN_GRACE_PERIOD",
	googleRestarted:     "SUBSCRIPTION_RESTARTED",
	8:                   "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED",
	9:                   "SUBSCRIPTION_DEFERRED",
	googlePaused:        "SUBSCRIPTION_PAUSED",
	11:                  "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED",
	googleRevoked:       "SUBSCRIPTION_REVOKED",
	googleExpired:       "SUBSCRIPTION_EXPIRED",
}

// googleMessage is the decoded message.data of a Pub/Sub push.
type googleMessage struct {
	Version                  string      `json:"version"`
	PackageName              string      `json:"packageName"`
	EventTimeMillis          json.Number `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// NormalizeGoogle decodes the base64 Pub/Sub message data and maps the
// integer notification code onto the canonical event vocabulary. Pushes
// without a subscriptionNotification (one-time product or voided-purchase
// notifications) are rejected as unsupported rather than malformed.
func NormalizeGoogle(data string, receivedAt time.Time) (Event, error) {
	if data == "" {
		return Event{}, ErrMalformedPayload
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Event{}, ErrMalformedPayload
	}
	var msg googleMessage
	if err := json.Unmarshal(decoded, &msg); err != nil {
		return Event{}, ErrMalformedPayload
	}
	if msg.SubscriptionNotification == nil {
		return Event{}, ErrUnsupportedNotification
	}

	n := msg.SubscriptionNotification
	ev := Event{
		Platform:         models.PlatformAndroid,
		CorrelationKey:   n.PurchaseToken,
		NotificationType: googleTypeName(n.NotificationType),
		OccurredAt:       googleTime(msg.EventTimeMillis, receivedAt),
	}

	switch n.NotificationType {
	case googleRecovered, googleRenewed, googlePurchased, googleRestarted:
		ev.Kind = models.KindRenewed
	case googleCanceled:
		ev.Kind = models.KindCanceled
	case googleOnHold, googleInGracePeriod:
		ev.Kind = models.KindRenewalFailed
	case googlePaused:
		ev.Kind = models.KindPaused
	case googleRevoked:
		ev.Kind = models.KindRevoked
	case googleExpired:
		ev.Kind = models.KindExpired
	default:
		ev.Kind = models.KindUnhandled
	}
	return ev, nil
}

func googleTypeName(code int) string {
	if name, ok := googleTypeNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

func googleTime(n json.Number, fallback time.Time) time.Time {
	ms, err := n.Int64()
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
