package notify

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tessera/internal/subscription/models"
)

// Event is the canonical normalized notification.
type Event = models.SubscriptionEvent

// Apple App Store Server Notification V2 types.
const (
	appleDidRenew               = "DID_RENEW"
	appleSubscribed             = "SUBSCRIBED"
	appleDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	appleDidFailToRenew         = "DID_FAIL_TO_RENEW"
	appleExpired                = "EXPIRED"
	appleGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	appleRefund                 = "REFUND"
	appleRevoke                 = "REVOKE"
	appleTest                   = "TEST"
)

// applePayload is the decoded claims of the outer signed envelope.
type applePayload struct {
	NotificationType string          `json:"notificationType"`
	Subtype          string          `json:"subtype"`
	SignedDate       json.Number     `json:"signedDate"`
	Data             *appleEventData `json:"data"`
}

type appleEventData struct {
	// SignedTransactionInfo is a nested JWS in current App Store payloads;
	// older relays deliver it pre-decoded as an object. Both are accepted.
	SignedTransactionInfo json.RawMessage `json:"signedTransactionInfo"`
	AutoRenewStatus       *json.Number    `json:"autoRenewStatus"`
}

type appleTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
}

// NormalizeApple decodes an App Store signed payload (JWS, three
// dot-separated base64url segments) and maps its notification type onto the
// canonical event vocabulary. Signature verification happens upstream; here
// only the structure is validated.
func NormalizeApple(signedPayload string, receivedAt time.Time) (Event, error) {
	var claims applePayload
	if err := decodeJWSClaims(signedPayload, &claims); err != nil {
		return Event{}, ErrMalformedPayload
	}
	if claims.NotificationType == "" {
		return Event{}, ErrMalformedPayload
	}

	ev := Event{
		Platform:         models.PlatformIOS,
		NotificationType: claims.NotificationType,
		OccurredAt:       appleTime(claims.SignedDate, receivedAt),
	}

	if claims.Data != nil {
		var txn appleTransactionInfo
		if err := decodeTransactionInfo(claims.Data.SignedTransactionInfo, &txn); err != nil {
			return Event{}, ErrMalformedPayload
		}
		ev.CorrelationKey = txn.OriginalTransactionID
	}

	switch claims.NotificationType {
	case appleDidRenew, appleSubscribed:
		ev.Kind = models.KindRenewed
	case appleDidChangeRenewalStatus:
		ev.Kind = models.KindRenewalStatusChanged
		ev.AutoRenew = appleAutoRenew(claims.Data)
	case appleDidFailToRenew:
		ev.Kind = models.KindRenewalFailed
	case appleExpired, appleGracePeriodExpired:
		ev.Kind = models.KindExpired
	case appleRefund:
		ev.Kind = models.KindRefunded
	case appleRevoke:
		ev.Kind = models.KindRevoked
	case appleTest:
		ev.Kind = models.KindTest
	default:
		ev.Kind = models.KindUnhandled
	}
	return ev, nil
}

// decodeJWSClaims extracts the claims segment of a JWS without verifying the
// signature. The parser still enforces segment count and base64/JSON shape.
func decodeJWSClaims(token string, out any) error {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return err
	}
	// Round-trip through JSON to project map claims onto the typed struct.
	raw, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// decodeTransactionInfo accepts either a nested JWS string or an inline
// object for the transaction info field.
func decodeTransactionInfo(raw json.RawMessage, out *appleTransactionInfo) error {
	if len(raw) == 0 {
		return nil
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		if nested == "" {
			return nil
		}
		return decodeJWSClaims(nested, out)
	}
	return json.Unmarshal(raw, out)
}

func appleAutoRenew(data *appleEventData) *bool {
	if data == nil || data.AutoRenewStatus == nil {
		return nil
	}
	n, err := data.AutoRenewStatus.Int64()
	if err != nil {
		return nil
	}
	enabled := n == 1
	return &enabled
}

// appleTime converts Apple's millisecond signedDate, falling back to the
// receive time when absent.
func appleTime(n json.Number, fallback time.Time) time.Time {
	ms, err := n.Int64()
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
