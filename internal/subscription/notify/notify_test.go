package notify

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tessera/internal/subscription/models"
)

// =============================================================================
// Normalizer Test Suite
// =============================================================================
// Fixtures are built the way the vendors deliver them: Apple as an unsigned
// JWS (the claims shape is what matters here, signature verification lives
// upstream), Google as a base64 Pub/Sub message body.

type NormalizerSuite struct {
	suite.Suite
	receivedAt time.Time
}

func TestNormalizerSuite(t *testing.T) {
	suite.Run(t, new(NormalizerSuite))
}

func (s *NormalizerSuite) SetupTest() {
	s.receivedAt = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
}

// jws assembles header.claims.signature segments around the given claims.
func jws(claims map[string]any) string {
	header, _ := json.Marshal(map[string]string{"alg": "ES256", "typ": "JWT"})
	payload, _ := json.Marshal(claims)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}

func appleClaims(notificationType string, signedDate int64) map[string]any {
	return map[string]any{
		"notificationType": notificationType,
		"signedDate":       signedDate,
		"data": map[string]any{
			"signedTransactionInfo": jws(map[string]any{
				"transactionId":         "2000000000000002",
				"originalTransactionId": "2000000000000001",
				"productId":             "com.onemessage.monthly",
			}),
		},
	}
}

func (s *NormalizerSuite) appleBody(notificationType string, signedDate int64) []byte {
	body, err := json.Marshal(map[string]string{"signedPayload": jws(appleClaims(notificationType, signedDate))})
	s.Require().NoError(err)
	return body
}

func (s *NormalizerSuite) googleBody(notificationType int, token string, eventTimeMillis string) []byte {
	inner := map[string]any{
		"version":     "1.0",
		"packageName": "com.onemessage.app",
	}
	if eventTimeMillis != "" {
		inner["eventTimeMillis"] = eventTimeMillis
	}
	if notificationType >= 0 {
		inner["subscriptionNotification"] = map[string]any{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    token,
			"subscriptionId":   "monthly_premium_sub",
		}
	}
	raw, err := json.Marshal(inner)
	s.Require().NoError(err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(raw),
			"messageId": "msg-1",
		},
	})
	s.Require().NoError(err)
	return body
}

// =============================================================================
// Envelope Detection
// =============================================================================

func (s *NormalizerSuite) TestNormalize() {
	s.Run("signedPayload envelope routes to the apple normalizer", func() {
		ev, err := Normalize(s.appleBody("DID_RENEW", 0), s.receivedAt)
		s.Require().NoError(err)
		s.Equal(models.PlatformIOS, ev.Platform)
		s.Equal(models.KindRenewed, ev.Kind)
	})

	s.Run("message envelope routes to the google normalizer", func() {
		ev, err := Normalize(s.googleBody(2, "token-1", ""), s.receivedAt)
		s.Require().NoError(err)
		s.Equal(models.PlatformAndroid, ev.Platform)
		s.Equal(models.KindRenewed, ev.Kind)
	})

	s.Run("unrecognizable envelopes are malformed", func() {
		for _, body := range [][]byte{
			[]byte("not json"),
			[]byte(`{}`),
			[]byte(`{"something":"else"}`),
		} {
			_, err := Normalize(body, s.receivedAt)
			s.Require().ErrorIs(err, ErrMalformedPayload, "body %s", body)
		}
	})
}

// =============================================================================
// Apple Mapping
// =============================================================================

func (s *NormalizerSuite) TestNormalizeApple() {
	s.Run("notification types map onto the canonical vocabulary", func() {
		cases := map[string]models.EventKind{
			"DID_RENEW":                 models.KindRenewed,
			"SUBSCRIBED":                models.KindRenewed,
			"DID_CHANGE_RENEWAL_STATUS": models.KindRenewalStatusChanged,
			"DID_FAIL_TO_RENEW":         models.KindRenewalFailed,
			"EXPIRED":                   models.KindExpired,
			"GRACE_PERIOD_EXPIRED":      models.KindExpired,
			"REFUND":                    models.KindRefunded,
			"REVOKE":                    models.KindRevoked,
			"TEST":                      models.KindTest,
			"PRICE_INCREASE":            models.KindUnhandled,
		}
		for notificationType, want := range cases {
			ev, err := NormalizeApple(jws(appleClaims(notificationType, 0)), s.receivedAt)
			s.Require().NoError(err, notificationType)
			s.Equal(want, ev.Kind, notificationType)
			s.Equal(notificationType, ev.NotificationType)
			s.Equal("2000000000000001", ev.CorrelationKey)
		}
	})

	s.Run("signedDate becomes occurred-at", func() {
		signedDate := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
		ev, err := NormalizeApple(jws(appleClaims("DID_RENEW", signedDate.UnixMilli())), s.receivedAt)
		s.Require().NoError(err)
		s.Equal(signedDate, ev.OccurredAt)
	})

	s.Run("missing signedDate falls back to receive time", func() {
		ev, err := NormalizeApple(jws(appleClaims("DID_RENEW", 0)), s.receivedAt)
		s.Require().NoError(err)
		s.Equal(s.receivedAt, ev.OccurredAt)
	})

	s.Run("auto-renew status is carried for renewal status changes", func() {
		claims := map[string]any{
			"notificationType": "DID_CHANGE_RENEWAL_STATUS",
			"data": map[string]any{
				"autoRenewStatus": 0,
			},
		}
		ev, err := NormalizeApple(jws(claims), s.receivedAt)
		s.Require().NoError(err)
		s.Require().NotNil(ev.AutoRenew)
		s.False(*ev.AutoRenew)
	})

	s.Run("inline transaction info object is accepted", func() {
		claims := map[string]any{
			"notificationType": "DID_RENEW",
			"data": map[string]any{
				"signedTransactionInfo": map[string]any{
					"originalTransactionId": "3000000000000001",
				},
			},
		}
		ev, err := NormalizeApple(jws(claims), s.receivedAt)
		s.Require().NoError(err)
		s.Equal("3000000000000001", ev.CorrelationKey)
	})

	s.Run("structural failures never yield a partial event", func() {
		notJSON := base64.RawURLEncoding.EncodeToString([]byte("not-json"))
		for name, payload := range map[string]string{
			"two segments":         "a.b",
			"four segments":        "a.b.c.d",
			"garbage base64":       "!!!.###.$$$",
			"claims are not json":  "eyJhbGciOiJFUzI1NiJ9." + notJSON + ".c2ln",
			"empty payload":        "",
			"missing notification": jws(map[string]any{"subtype": "VOLUNTARY"}),
			"broken nested jws":    jws(map[string]any{"notificationType": "DID_RENEW", "data": map[string]any{"signedTransactionInfo": "only-one-segment"}}),
		} {
			_, err := NormalizeApple(payload, s.receivedAt)
			s.Require().ErrorIs(err, ErrMalformedPayload, name)
		}
	})
}

// =============================================================================
// Google Mapping
// =============================================================================

func (s *NormalizerSuite) TestNormalizeGoogle() {
	s.Run("notification codes map onto the canonical vocabulary", func() {
		cases := map[int]models.EventKind{
			1:  models.KindRenewed,
			2:  models.KindRenewed,
			3:  models.KindCanceled,
			4:  models.KindRenewed,
			5:  models.KindRenewalFailed,
			6:  models.KindRenewalFailed,
			7:  models.KindRenewed,
			8:  models.KindUnhandled,
			9:  models.KindUnhandled,
			10: models.KindPaused,
			12: models.KindRevoked,
			13: models.KindExpired,
		}
		for code, want := range cases {
			ev, err := Normalize(s.googleBody(code, "token-1", ""), s.receivedAt)
			s.Require().NoError(err, "code %d", code)
			s.Equal(want, ev.Kind, "code %d", code)
			s.Equal("token-1", ev.CorrelationKey)
		}
	})

	s.Run("cancellation stays distinct from revocation", func() {
		canceled, err := Normalize(s.googleBody(3, "token-1", ""), s.receivedAt)
		s.Require().NoError(err)
		revoked, err := Normalize(s.googleBody(12, "token-1", ""), s.receivedAt)
		s.Require().NoError(err)
		s.Equal(models.KindCanceled, canceled.Kind)
		s.Equal(models.KindRevoked, revoked.Kind)
	})

	s.Run("eventTimeMillis becomes occurred-at", func() {
		ev, err := Normalize(s.googleBody(2, "token-1", "1748766600000"), s.receivedAt)
		s.Require().NoError(err)
		s.Equal(time.UnixMilli(1748766600000).UTC(), ev.OccurredAt)
	})

	s.Run("push without a subscription notification is unsupported", func() {
		_, err := Normalize(s.googleBody(-1, "", ""), s.receivedAt)
		s.Require().ErrorIs(err, ErrUnsupportedNotification)
	})

	s.Run("structural failures are malformed", func() {
		for name, data := range map[string]string{
			"empty data":    "",
			"broken base64": "not-base64!!",
			"data not json": base64.StdEncoding.EncodeToString([]byte("plain text")),
		} {
			_, err := NormalizeGoogle(data, s.receivedAt)
			s.Require().ErrorIs(err, ErrMalformedPayload, name)
		}
	})

	s.Run("type names are reported for logging", func() {
		ev, err := Normalize(s.googleBody(13, "token-1", ""), s.receivedAt)
		s.Require().NoError(err)
		s.Equal("SUBSCRIPTION_EXPIRED", ev.NotificationType)

		ev, err = Normalize(s.googleBody(99, "token-1", ""), s.receivedAt)
		s.Require().NoError(err)
		s.Equal("UNKNOWN", ev.NotificationType)
		s.Equal(models.KindUnhandled, ev.Kind)
	})
}
