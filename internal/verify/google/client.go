// Package google verifies Play Store subscription purchases through the
// androidpublisher v3 API, authenticating with a service-account assertion.
package google

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tessera/internal/platform/config"
	"tessera/internal/subscription/models"
	"tessera/internal/verify"
	"tessera/pkg/requestcontext"
)

const (
	tokenURL          = "https://oauth2.googleapis.com/token"
	publisherScope    = "https://www.googleapis.com/auth/androidpublisher"
	publisherBaseURL  = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	assertionLifetime = time.Hour
	tokenExpirySlack  = time.Minute
)

// serviceAccount is the subset of the JSON key file the client needs.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

type subscriptionResource struct {
	ExpiryTimeMillis     string `json:"expiryTimeMillis"`
	AutoRenewing         bool   `json:"autoRenewing"`
	OrderID              string `json:"orderId"`
	PaymentState         *int   `json:"paymentState"`
	AcknowledgementState *int   `json:"acknowledgementState"`
}

// Client calls the Play Developer API for one application package.
type Client struct {
	packageName  string
	clientEmail  string
	signingKey   *rsa.PrivateKey
	tokenURL     string
	publisherURL string
	httpClient   *http.Client
	logger       *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoints overrides the token and publisher base URLs. Test hook.
func WithEndpoints(token, publisher string) Option {
	return func(c *Client) {
		c.tokenURL = token
		c.publisherURL = publisher
	}
}

// New constructs a client from the service-account JSON key material.
func New(cfg config.GoogleConfig, opts ...Option) (*Client, error) {
	if cfg.ServiceAccountKey == "" {
		return nil, errors.New("google service account key is required")
	}
	if cfg.PackageName == "" {
		return nil, errors.New("android package name is required")
	}

	var sa serviceAccount
	if err := json.Unmarshal([]byte(cfg.ServiceAccountKey), &sa); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("service account key is missing client_email or private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		packageName:  cfg.PackageName,
		clientEmail:  sa.ClientEmail,
		signingKey:   key,
		tokenURL:     tokenURL,
		publisherURL: publisherBaseURL,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify loads the subscription purchase for the given token, rejects
// already-expired purchases, and acknowledges the purchase with Play if it
// has not been acknowledged yet. Play revokes unacknowledged purchases
// after three days, so acknowledgement failures are logged but do not fail
// an otherwise valid verification.
func (c *Client) Verify(ctx context.Context, productID, purchaseToken string, packageName string) (*models.VerifiedPurchase, error) {
	if productID == "" || purchaseToken == "" {
		return nil, &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   verify.ReasonMalformedReceipt,
			Detail:   "missing product id or purchase token",
		}
	}
	if packageName == "" {
		packageName = c.packageName
	}

	token, err := c.accessTokenFor(ctx)
	if err != nil {
		return nil, err
	}

	resourceURL := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s",
		c.publisherURL,
		url.PathEscape(packageName),
		url.PathEscape(productID),
		url.PathEscape(purchaseToken),
	)

	sub, err := c.getSubscription(ctx, resourceURL, token)
	if err != nil {
		return nil, err
	}

	expiryMS, err := strconv.ParseInt(sub.ExpiryTimeMillis, 10, 64)
	if err != nil {
		return nil, &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   verify.ReasonMalformedReceipt,
			Detail:   "unparseable expiryTimeMillis",
		}
	}
	expiresAt := time.UnixMilli(expiryMS).UTC()
	if !expiresAt.After(requestcontext.Now(ctx)) {
		return nil, &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   verify.ReasonExpired,
			Detail:   "subscription has expired",
		}
	}

	if sub.AcknowledgementState != nil && *sub.AcknowledgementState == 0 {
		if err := c.acknowledge(ctx, resourceURL, token); err != nil {
			c.logger.WarnContext(ctx, "purchase acknowledgement failed", "error", err.Error())
		} else {
			c.logger.InfoContext(ctx, "purchase acknowledged", "product_id", productID)
		}
	}

	return &models.VerifiedPurchase{
		TransactionID:         sub.OrderID,
		OriginalTransactionID: purchaseToken,
		ProductID:             productID,
		ExpiresAt:             expiresAt,
		AutoRenewing:          sub.AutoRenewing,
	}, nil
}

// accessTokenFor returns a cached Play API access token, minting a fresh
// one via the JWT bearer grant when the cache is empty or near expiry.
func (c *Client) accessTokenFor(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.accessToken != "" && now.Before(c.tokenExpiry.Add(-tokenExpirySlack)) {
		return c.accessToken, nil
	}

	assertion, err := c.signAssertion(now)
	if err != nil {
		return "", fmt.Errorf("sign service account assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   verify.ReasonNotAuthenticated,
			Detail:   fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, body),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return "", &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   verify.ReasonNotAuthenticated,
			Detail:   "undecodable token response",
		}
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

func (c *Client) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   c.clientEmail,
		"scope": publisherScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
}

func (c *Client) getSubscription(ctx context.Context, resourceURL, token string) (*subscriptionResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		reason := verify.ReasonNoPurchase
		if resp.StatusCode >= http.StatusInternalServerError {
			reason = verify.ReasonVendorUnavailable
		}
		detail := apiErr.Error.Message
		if detail == "" {
			detail = fmt.Sprintf("publisher API returned %d", resp.StatusCode)
		}
		return nil, &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   reason,
			Detail:   detail,
		}
	}

	var sub subscriptionResource
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, &verify.Failure{
			Platform: string(models.PlatformAndroid),
			Reason:   verify.ReasonVendorUnavailable,
			Detail:   "undecodable subscription resource",
		}
	}
	return &sub, nil
}

func (c *Client) acknowledge(ctx context.Context, resourceURL, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resourceURL+":acknowledge", strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("build acknowledge request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("acknowledge returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) transportFailure(err error) *verify.Failure {
	reason := verify.ReasonVendorUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		reason = verify.ReasonTimeout
	}
	return &verify.Failure{
		Platform: string(models.PlatformAndroid),
		Reason:   reason,
		Detail:   err.Error(),
	}
}
