// Package notify converts raw vendor push notifications into canonical
// subscription events. Apple's string enum and Google's integer enum are
// translated into one vendor-neutral event vocabulary at this boundary;
// no business logic downstream ever sees a vendor code.
//
// The package does not verify cryptographic signatures; that is the
// PayloadVerifier collaborator's concern. It does validate structural
// shape, and structurally invalid input never produces a partial event.
package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// Normalization failures. ErrMalformedPayload covers broken envelopes
// (wrong JWT segment count, invalid base64 or JSON); ErrUnsupportedNotification
// covers well-formed envelopes carrying something other than a subscription
// notification.
var (
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrUnsupportedNotification = errors.New("unsupported notification type")
)

// envelope probes the payload shape to detect the platform: Apple server
// notifications carry signedPayload, Google Pub/Sub pushes carry message.
type envelope struct {
	SignedPayload string `json:"signedPayload"`
	Message       *struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

// Normalize detects the vendor from the envelope shape and dispatches to
// the platform-specific normalizer. receivedAt is the fallback occurred-at
// when the vendor supplies no timestamp.
func Normalize(payload []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, ErrMalformedPayload
	}
	switch {
	case env.SignedPayload != "":
		return NormalizeApple(env.SignedPayload, receivedAt)
	case env.Message != nil:
		return NormalizeGoogle(env.Message.Data, receivedAt)
	default:
		return Event{}, ErrMalformedPayload
	}
}
