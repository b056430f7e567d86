// Package apple verifies App Store receipts against Apple's verifyReceipt
// endpoint.
package apple

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tessera/internal/platform/config"
	"tessera/internal/subscription/models"
	"tessera/internal/verify"
)

// Receipt status codes Apple documents for verifyReceipt.
const (
	statusOK            = 0
	statusSandboxOnProd = 21007
)

// statusReasons maps Apple's numeric status to the stable reason plus the
// documented meaning. Unknown statuses fall through to ReasonUnknown.
var statusReasons = map[int]struct {
	reason string
	detail string
}{
	21000: {verify.ReasonMalformedReceipt, "App Store could not read the JSON"},
	21002: {verify.ReasonMalformedReceipt, "receipt data is malformed"},
	21003: {verify.ReasonNotAuthenticated, "receipt could not be authenticated"},
	21004: {verify.ReasonSecretMismatch, "shared secret mismatch"},
	21005: {verify.ReasonVendorUnavailable, "receipt server unavailable"},
	21006: {verify.ReasonExpired, "receipt valid but subscription expired"},
	21007: {verify.ReasonEnvironment, "sandbox receipt sent to production"},
	21008: {verify.ReasonEnvironment, "production receipt sent to sandbox"},
	21010: {verify.ReasonAccountNotFound, "account not found"},
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type receiptEntry struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	ExpiresDateMS         string `json:"expires_date_ms"`
}

type pendingRenewal struct {
	AutoRenewStatus string `json:"auto_renew_status"`
}

type verifyResponse struct {
	Status             int              `json:"status"`
	LatestReceiptInfo  []receiptEntry   `json:"latest_receipt_info"`
	PendingRenewalInfo []pendingRenewal `json:"pending_renewal_info"`
	Receipt            *struct {
		InApp []receiptEntry `json:"in_app"`
	} `json:"receipt"`
}

// Client calls Apple's verifyReceipt endpoint.
type Client struct {
	productionURL string
	sandboxURL    string
	sharedSecret  string
	httpClient    *http.Client
	logger        *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a client from config. The shared secret must be set; the
// endpoint URLs default to Apple's production and sandbox hosts.
func New(cfg config.AppleConfig, opts ...Option) (*Client, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("apple shared secret is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		productionURL: cfg.ProductionURL,
		sandboxURL:    cfg.SandboxURL,
		sharedSecret:  cfg.SharedSecret,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify checks a base64 receipt blob against production first. A 21007
// response means the receipt belongs to the sandbox environment; it is
// retried once there and never again, so two sandbox responses cannot loop.
func (c *Client) Verify(ctx context.Context, receipt string) (*models.VerifiedPurchase, error) {
	if receipt == "" {
		return nil, &verify.Failure{
			Platform: string(models.PlatformIOS),
			Reason:   verify.ReasonMalformedReceipt,
			Detail:   "empty receipt",
		}
	}

	resp, err := c.post(ctx, c.productionURL, receipt)
	if err != nil {
		return nil, err
	}
	if resp.Status == statusSandboxOnProd {
		c.logger.InfoContext(ctx, "sandbox receipt detected, retrying against sandbox")
		resp, err = c.post(ctx, c.sandboxURL, receipt)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != statusOK {
		return nil, failureFor(resp.Status)
	}

	entry, ok := latestEntry(resp)
	if !ok {
		return nil, &verify.Failure{
			Platform: string(models.PlatformIOS),
			Reason:   verify.ReasonNoPurchase,
			Detail:   "no purchase found in receipt",
		}
	}

	purchase := &models.VerifiedPurchase{
		TransactionID:         entry.TransactionID,
		OriginalTransactionID: entry.OriginalTransactionID,
		ProductID:             entry.ProductID,
		AutoRenewing:          autoRenewing(resp),
	}
	if entry.ExpiresDateMS != "" {
		ms, err := strconv.ParseInt(entry.ExpiresDateMS, 10, 64)
		if err != nil {
			return nil, &verify.Failure{
				Platform: string(models.PlatformIOS),
				Reason:   verify.ReasonMalformedReceipt,
				Detail:   "unparseable expires_date_ms",
			}
		}
		purchase.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return purchase, nil
}

func (c *Client) post(ctx context.Context, url, receipt string) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData:            receipt,
		Password:               c.sharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		reason := verify.ReasonVendorUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = verify.ReasonTimeout
		}
		return nil, &verify.Failure{
			Platform: string(models.PlatformIOS),
			Reason:   reason,
			Detail:   err.Error(),
		}
	}
	defer httpResp.Body.Close()

	var resp verifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &verify.Failure{
			Platform: string(models.PlatformIOS),
			Reason:   verify.ReasonVendorUnavailable,
			Detail:   "undecodable verifyReceipt response",
		}
	}
	return &resp, nil
}

// latestEntry prefers latest_receipt_info over the embedded receipt's
// in_app list; subscriptions always populate the former.
func latestEntry(resp *verifyResponse) (receiptEntry, bool) {
	if len(resp.LatestReceiptInfo) > 0 {
		return resp.LatestReceiptInfo[0], true
	}
	if resp.Receipt != nil && len(resp.Receipt.InApp) > 0 {
		return resp.Receipt.InApp[0], true
	}
	return receiptEntry{}, false
}

func autoRenewing(resp *verifyResponse) bool {
	if len(resp.PendingRenewalInfo) == 0 {
		// verifyReceipt omits renewal info for lifetime products; treat a
		// successfully verified subscription as renewing by default.
		return true
	}
	return resp.PendingRenewalInfo[0].AutoRenewStatus == "1"
}

func failureFor(status int) *verify.Failure {
	if m, ok := statusReasons[status]; ok {
		return &verify.Failure{
			Platform: string(models.PlatformIOS),
			Reason:   m.reason,
			Detail:   m.detail,
		}
	}
	return &verify.Failure{
		Platform: string(models.PlatformIOS),
		Reason:   verify.ReasonUnknown,
		Detail:   fmt.Sprintf("unknown status %d", status),
	}
}
