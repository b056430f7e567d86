package handler

import (
	dErrors "tessera/pkg/domain-errors"
)

// Store-facing product identifiers map to the catalog identifiers the rest
// of the system reasons about. Unmapped identifiers pass through untouched
// so new products degrade gracefully instead of failing verification.
var (
	iosProductIDs = map[string]string{
		"com.onemessage.monthly": "monthly_premium",
		"com.onemessage.annual":  "annual_premium",
	}
	androidProductIDs = map[string]string{
		"monthly_premium_sub": "monthly_premium",
		"annual_premium_sub":  "annual_premium",
	}
)

func mapProductID(table map[string]string, vendorID string) string {
	if mapped, ok := table[vendorID]; ok {
		return mapped
	}
	return vendorID
}

// VerifyIOSRequest is the App Store verification request body.
type VerifyIOSRequest struct {
	Receipt string `json:"receipt"`
	UserID  string `json:"user_id"`
}

func (r *VerifyIOSRequest) Validate() error {
	if r.Receipt == "" || r.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "receipt and user_id are required")
	}
	return nil
}

// VerifyAndroidRequest is the Play Store verification request body.
// PackageName is optional and falls back to the configured application
// package.
type VerifyAndroidRequest struct {
	PurchaseToken string `json:"purchase_token"`
	ProductID     string `json:"product_id"`
	UserID        string `json:"user_id"`
	PackageName   string `json:"package_name,omitempty"`
}

func (r *VerifyAndroidRequest) Validate() error {
	if r.PurchaseToken == "" || r.ProductID == "" || r.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "purchase_token, product_id and user_id are required")
	}
	return nil
}
