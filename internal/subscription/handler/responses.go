package handler

import (
	"encoding/json"
	"net/http"

	dErrors "tessera/pkg/domain-errors"
)

// WebhookResult is the structured acknowledgement every webhook delivery
// receives, successful or not.
type WebhookResult struct {
	Success          bool   `json:"success"`
	Platform         string `json:"platform,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	Action           string `json:"action,omitempty"`
	Error            string `json:"error,omitempty"`
}

// VerifyResponse is the receipt verification response body.
type VerifyResponse struct {
	Success               bool   `json:"success"`
	Valid                 bool   `json:"valid"`
	TransactionID         string `json:"transaction_id,omitempty"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
	ProductID             string `json:"product_id,omitempty"`
	ExpiresAt             string `json:"expires_at,omitempty"`
	AutoRenewing          bool   `json:"auto_renewing,omitempty"`
	Status                string `json:"status,omitempty"`
	Error                 string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes domain error translation to HTTP responses so
// every endpoint emits the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	writeJSON(w, dErrors.ToHTTPStatus(code), map[string]string{
		"error": string(code),
	})
}
