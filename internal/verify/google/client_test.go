package google

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	"tessera/internal/platform/config"
	"tessera/internal/verify"
)

// =============================================================================
// Google Play Client Test Suite
// =============================================================================
// One httptest server stands in for both the OAuth token endpoint and the
// androidpublisher API so the full assertion-sign / token-exchange /
// resource-fetch / acknowledge chain runs against real HTTP.

type GoogleClientSuite struct {
	suite.Suite
	key    *rsa.PrivateKey
	keyPEM string
}

func TestGoogleClientSuite(t *testing.T) {
	suite.Run(t, new(GoogleClientSuite))
}

func (s *GoogleClientSuite) SetupSuite() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	s.Require().NoError(err)

	s.key = key
	s.keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func (s *GoogleClientSuite) serviceAccountJSON() string {
	blob, err := json.Marshal(map[string]string{
		"client_email": "billing@project.iam.gserviceaccount.com",
		"private_key":  s.keyPEM,
	})
	s.Require().NoError(err)
	return string(blob)
}

// playFake bundles the fake vendor endpoints and call counters.
type playFake struct {
	srv          *httptest.Server
	tokenCalls   int
	getCalls     int
	ackCalls     int
	assertion    string
	subscription map[string]any
	getStatus    int
	getBody      map[string]any
}

func (s *GoogleClientSuite) newFake(sub map[string]any) *playFake {
	f := &playFake{subscription: sub, getStatus: http.StatusOK}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			f.tokenCalls++
			s.Require().NoError(r.ParseForm())
			s.Equal("urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
			f.assertion = r.PostForm.Get("assertion")
			s.Require().NoError(json.NewEncoder(w).Encode(map[string]any{
				"access_token": "token-abc",
				"expires_in":   3600,
			}))
		case strings.HasSuffix(r.URL.Path, ":acknowledge"):
			f.ackCalls++
			s.Equal("Bearer token-abc", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		default:
			f.getCalls++
			s.Equal("Bearer token-abc", r.Header.Get("Authorization"))
			if f.getStatus != http.StatusOK {
				w.WriteHeader(f.getStatus)
				s.Require().NoError(json.NewEncoder(w).Encode(f.getBody))
				return
			}
			s.Require().NoError(json.NewEncoder(w).Encode(f.subscription))
		}
	}))
	return f
}

func (s *GoogleClientSuite) newClient(f *playFake) *Client {
	client, err := New(config.GoogleConfig{
		ServiceAccountKey: s.serviceAccountJSON(),
		PackageName:       "com.onemessage.app",
		Timeout:           time.Second,
	}, WithEndpoints(f.srv.URL+"/token", f.srv.URL+"/androidpublisher/v3"))
	s.Require().NoError(err)
	return client
}

func (s *GoogleClientSuite) TestNew() {
	s.Run("missing service account key returns error", func() {
		_, err := New(config.GoogleConfig{PackageName: "com.onemessage.app"})
		s.Error(err)
	})

	s.Run("missing package name returns error", func() {
		_, err := New(config.GoogleConfig{ServiceAccountKey: s.serviceAccountJSON()})
		s.Error(err)
	})

	s.Run("undecodable key material returns error", func() {
		_, err := New(config.GoogleConfig{
			ServiceAccountKey: `{"client_email":"a@b","private_key":"not-pem"}`,
			PackageName:       "com.onemessage.app",
		})
		s.Error(err)
	})
}

func (s *GoogleClientSuite) TestVerify() {
	ctx := context.Background()
	future := time.Now().Add(30 * 24 * time.Hour).UnixMilli()

	s.Run("valid purchase is verified and acknowledged", func() {
		ackState := 0
		f := s.newFake(map[string]any{
			"expiryTimeMillis":     strconv.FormatInt(future, 10),
			"autoRenewing":         true,
			"orderId":              "GPA.1234-5678",
			"acknowledgementState": ackState,
		})
		defer f.srv.Close()

		client := s.newClient(f)
		purchase, err := client.Verify(ctx, "monthly_premium_sub", "purchase-token-1", "")
		s.Require().NoError(err)

		s.Equal("GPA.1234-5678", purchase.TransactionID)
		s.Equal("purchase-token-1", purchase.OriginalTransactionID)
		s.Equal("monthly_premium_sub", purchase.ProductID)
		s.True(purchase.AutoRenewing)
		s.Equal(time.UnixMilli(future).UTC(), purchase.ExpiresAt)
		s.Equal(1, f.ackCalls)
	})

	s.Run("signed assertion carries the publisher scope", func() {
		f := s.newFake(map[string]any{
			"expiryTimeMillis": strconv.FormatInt(future, 10),
			"autoRenewing":     true,
			"orderId":          "GPA.1",
		})
		defer f.srv.Close()

		client := s.newClient(f)
		_, err := client.Verify(ctx, "monthly_premium_sub", "purchase-token-1", "")
		s.Require().NoError(err)

		claims := jwt.MapClaims{}
		_, err = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})).ParseWithClaims(
			f.assertion, claims,
			func(*jwt.Token) (any, error) { return &s.key.PublicKey, nil },
		)
		s.Require().NoError(err)
		s.Equal("billing@project.iam.gserviceaccount.com", claims["iss"])
		s.Equal(publisherScope, claims["scope"])
		s.Equal(f.srv.URL+"/token", claims["aud"])
	})

	s.Run("already acknowledged purchase is not re-acknowledged", func() {
		f := s.newFake(map[string]any{
			"expiryTimeMillis":     strconv.FormatInt(future, 10),
			"autoRenewing":         true,
			"orderId":              "GPA.2",
			"acknowledgementState": 1,
		})
		defer f.srv.Close()

		client := s.newClient(f)
		_, err := client.Verify(ctx, "monthly_premium_sub", "purchase-token-1", "")
		s.Require().NoError(err)
		s.Equal(0, f.ackCalls)
	})

	s.Run("access token is cached across calls", func() {
		f := s.newFake(map[string]any{
			"expiryTimeMillis": strconv.FormatInt(future, 10),
			"autoRenewing":     true,
			"orderId":          "GPA.3",
		})
		defer f.srv.Close()

		client := s.newClient(f)
		_, err := client.Verify(ctx, "monthly_premium_sub", "purchase-token-1", "")
		s.Require().NoError(err)
		_, err = client.Verify(ctx, "monthly_premium_sub", "purchase-token-2", "")
		s.Require().NoError(err)

		s.Equal(1, f.tokenCalls)
		s.Equal(2, f.getCalls)
	})

	s.Run("expired subscription is rejected", func() {
		past := time.Now().Add(-time.Hour).UnixMilli()
		f := s.newFake(map[string]any{
			"expiryTimeMillis": strconv.FormatInt(past, 10),
			"autoRenewing":     false,
			"orderId":          "GPA.4",
		})
		defer f.srv.Close()

		client := s.newClient(f)
		_, err := client.Verify(ctx, "monthly_premium_sub", "purchase-token-1", "")

		var failure *verify.Failure
		s.Require().ErrorAs(err, &failure)
		s.Equal(verify.ReasonExpired, failure.Reason)
	})

	s.Run("publisher API rejection surfaces the vendor message", func() {
		f := s.newFake(nil)
		f.getStatus = http.StatusBadRequest
		f.getBody = map[string]any{"error": map[string]any{"message": "Invalid purchase token"}}
		defer f.srv.Close()

		client := s.newClient(f)
		_, err := client.Verify(ctx, "monthly_premium_sub", "bad-token", "")

		var failure *verify.Failure
		s.Require().ErrorAs(err, &failure)
		s.Equal(verify.ReasonNoPurchase, failure.Reason)
		s.Contains(failure.Detail, "Invalid purchase token")
	})

	s.Run("missing product or token is rejected before any vendor call", func() {
		f := s.newFake(nil)
		defer f.srv.Close()

		client := s.newClient(f)
		_, err := client.Verify(ctx, "", "", "")

		var failure *verify.Failure
		s.Require().ErrorAs(err, &failure)
		s.Equal(verify.ReasonMalformedReceipt, failure.Reason)
		s.Equal(0, f.tokenCalls)
	})
}
