// Package verify defines the vendor receipt verification contract shared by
// the App Store and Play Store clients. A verification either yields a
// models.VerifiedPurchase or a Failure carrying a stable reason string; the
// reason vocabulary is what handlers echo to callers and what the failure
// metric is labeled with, so it must not drift with vendor wording.
package verify

import "fmt"

// Stable failure reasons. Vendor-specific status codes map onto these plus
// a human-readable detail.
const (
	ReasonMalformedReceipt  = "malformed_receipt"
	ReasonNotAuthenticated  = "not_authenticated"
	ReasonSecretMismatch    = "secret_mismatch"
	ReasonVendorUnavailable = "vendor_unavailable"
	ReasonExpired           = "expired"
	ReasonEnvironment       = "environment_mismatch"
	ReasonAccountNotFound   = "account_not_found"
	ReasonNoPurchase        = "no_purchase"
	ReasonTimeout           = "timeout"
	ReasonUnknown           = "unknown"
)

// Failure is a verification rejection with a stable, caller-facing reason.
type Failure struct {
	Platform string
	Reason   string
	Detail   string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s verification failed: %s", f.Platform, f.Reason)
	}
	return fmt.Sprintf("%s verification failed: %s (%s)", f.Platform, f.Reason, f.Detail)
}
