// Package handler exposes the subscription HTTP surface: the vendor webhook,
// the synchronous receipt verification endpoints and the internal sweep
// trigger.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tessera/internal/platform/middleware"
	"tessera/internal/subscription/metrics"
	"tessera/internal/subscription/models"
	"tessera/internal/subscription/notify"
	"tessera/internal/subscription/service"
	"tessera/internal/subscription/sweeper"
	"tessera/internal/verify"
	dErrors "tessera/pkg/domain-errors"
	"tessera/pkg/requestcontext"
)

const maxWebhookBody = 1 << 20

// Applier is the state machine surface the handler drives.
type Applier interface {
	Apply(ctx context.Context, ev models.SubscriptionEvent) (*service.Outcome, error)
	ApplyVerifiedPurchase(ctx context.Context, userID string, platform models.Platform, purchase models.VerifiedPurchase) (*service.Outcome, error)
}

// AppleVerifier verifies App Store receipts.
type AppleVerifier interface {
	Verify(ctx context.Context, receipt string) (*models.VerifiedPurchase, error)
}

// GoogleVerifier verifies Play Store purchase tokens.
type GoogleVerifier interface {
	Verify(ctx context.Context, productID, purchaseToken, packageName string) (*models.VerifiedPurchase, error)
}

// SweepRunner runs one expiry reconciliation pass.
type SweepRunner interface {
	Sweep(ctx context.Context, now time.Time) (*sweeper.Report, error)
}

// Handler handles the subscription endpoints.
type Handler struct {
	logger  *slog.Logger
	service Applier
	apple   AppleVerifier
	google  GoogleVerifier
	sweeper SweepRunner
	metrics *metrics.Metrics
	timeout time.Duration
}

// New creates a subscription Handler. The verifiers may be nil when the
// corresponding vendor credentials are not configured; their endpoints then
// answer 503.
func New(
	svc Applier,
	apple AppleVerifier,
	google GoogleVerifier,
	sweepRunner SweepRunner,
	logger *slog.Logger,
	m *metrics.Metrics) *Handler {
	return &Handler{
		logger:  logger,
		service: svc,
		apple:   apple,
		google:  google,
		sweeper: sweepRunner,
		metrics: m,
		timeout: 30 * time.Second,
	}
}

// Register registers the subscription routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(h.timeout))
	router.Post("/webhooks/subscription", h.handleWebhook)
	router.Post("/verify/ios", h.handleVerifyIOS)
	router.Post("/verify/android", h.handleVerifyAndroid)
	router.Post("/internal/sweep", h.handleSweep)

	r.Mount("/", router)
}

// handleWebhook ingests a vendor push notification. Vendors redeliver on
// non-2xx, so only transport-level problems (unreadable body, unresolvable
// state, store outage) escape with an error status; business no-ops such as
// duplicates, stale events and unhandled types acknowledge with 200 and a
// structured result so redelivery storms cannot build up.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}

	ev, err := notify.Normalize(body, requestcontext.Now(ctx))
	if err != nil {
		if errors.Is(err, notify.ErrUnsupportedNotification) {
			// Well-formed envelope, nothing for us in it. Acknowledge.
			h.countWebhook("unknown", models.ActionNone)
			writeJSON(w, http.StatusOK, WebhookResult{Success: true, Action: models.ActionNone})
			return
		}
		h.logger.WarnContext(ctx, "malformed webhook payload",
			"request_id", requestID,
			"error", err.Error(),
		)
		writeJSON(w, http.StatusBadRequest, WebhookResult{Success: false, Error: "malformed payload"})
		return
	}

	result := WebhookResult{
		Success:          true,
		Platform:         string(ev.Platform),
		NotificationType: ev.NotificationType,
	}

	outcome, err := h.service.Apply(ctx, ev)
	switch {
	case err == nil:
		result.Action = outcome.Action
		if outcome.Duplicate {
			result.Action = models.ActionNone
		}
	case dErrors.HasCode(err, dErrors.CodeStale):
		// Out-of-order delivery of old news. Acknowledge so the vendor
		// stops resending it.
		result.Action = models.ActionNone
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		// Notification for a lineage we have no record of (app reinstall
		// races, sandbox traffic). Log and acknowledge.
		h.logger.WarnContext(ctx, "webhook for unknown subscription",
			"request_id", requestID,
			"platform", ev.Platform,
			"notification_type", ev.NotificationType,
		)
		result.Action = models.ActionNone
	default:
		h.logger.ErrorContext(ctx, "failed to apply webhook event",
			"request_id", requestID,
			"platform", ev.Platform,
			"notification_type", ev.NotificationType,
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}

	h.countWebhook(string(ev.Platform), result.Action)
	writeJSON(w, http.StatusOK, result)
}

// handleVerifyIOS verifies an App Store receipt and activates the caller's
// subscription.
func (h *Handler) handleVerifyIOS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.apple == nil {
		writeError(w, dErrors.New(dErrors.CodeUnavailable, "ios verification is not configured"))
		return
	}

	var req VerifyIOSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	purchase, err := h.apple.Verify(ctx, req.Receipt)
	if err != nil {
		h.verificationFailed(ctx, w, models.PlatformIOS, err)
		return
	}

	vendorProductID := purchase.ProductID
	purchase.ProductID = mapProductID(iosProductIDs, purchase.ProductID)

	outcome, err := h.service.ApplyVerifiedPurchase(ctx, req.UserID, models.PlatformIOS, *purchase)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to activate verified purchase",
			"request_id", middleware.GetRequestID(ctx),
			"platform", models.PlatformIOS,
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Success:               true,
		Valid:                 true,
		TransactionID:         purchase.TransactionID,
		OriginalTransactionID: purchase.OriginalTransactionID,
		ProductID:             vendorProductID,
		ExpiresAt:             expiresAtString(purchase.ExpiresAt),
		AutoRenewing:          purchase.AutoRenewing,
		Status:                string(outcome.To),
	})
}

// handleVerifyAndroid verifies a Play purchase token and activates the
// caller's subscription.
func (h *Handler) handleVerifyAndroid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.google == nil {
		writeError(w, dErrors.New(dErrors.CodeUnavailable, "android verification is not configured"))
		return
	}

	var req VerifyAndroidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	purchase, err := h.google.Verify(ctx, req.ProductID, req.PurchaseToken, req.PackageName)
	if err != nil {
		h.verificationFailed(ctx, w, models.PlatformAndroid, err)
		return
	}

	vendorProductID := purchase.ProductID
	purchase.ProductID = mapProductID(androidProductIDs, purchase.ProductID)

	outcome, err := h.service.ApplyVerifiedPurchase(ctx, req.UserID, models.PlatformAndroid, *purchase)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to activate verified purchase",
			"request_id", middleware.GetRequestID(ctx),
			"platform", models.PlatformAndroid,
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Success:               true,
		Valid:                 true,
		TransactionID:         purchase.TransactionID,
		OriginalTransactionID: purchase.OriginalTransactionID,
		ProductID:             vendorProductID,
		ExpiresAt:             expiresAtString(purchase.ExpiresAt),
		AutoRenewing:          purchase.AutoRenewing,
		Status:                string(outcome.To),
	})
}

// handleSweep triggers a reconciliation pass and returns the report.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.sweeper.Sweep(ctx, requestcontext.Now(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "sweep failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// verificationFailed translates a verify.Failure into a structured rejection
// and counts it. Vendor outages and timeouts surface as 5xx so clients
// retry; everything else is a definitive 400.
func (h *Handler) verificationFailed(ctx context.Context, w http.ResponseWriter, platform models.Platform, err error) {
	var failure *verify.Failure
	if !errors.As(err, &failure) {
		writeError(w, dErrors.Wrap(err, dErrors.CodeInternal, "verification failed"))
		return
	}

	if h.metrics != nil {
		h.metrics.VerificationFailures.WithLabelValues(string(platform), failure.Reason).Inc()
	}
	h.logger.WarnContext(ctx, "receipt verification rejected",
		"request_id", middleware.GetRequestID(ctx),
		"platform", platform,
		"reason", failure.Reason,
	)

	status := http.StatusBadRequest
	switch failure.Reason {
	case verify.ReasonTimeout:
		status = http.StatusGatewayTimeout
	case verify.ReasonVendorUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, VerifyResponse{
		Success: false,
		Valid:   false,
		Error:   failure.Reason,
	})
}

func (h *Handler) countWebhook(platform, action string) {
	if h.metrics != nil {
		h.metrics.WebhooksTotal.WithLabelValues(platform, action).Inc()
	}
}

func expiresAtString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
