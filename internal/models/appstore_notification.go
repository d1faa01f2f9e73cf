package models

// AppStoreNotificationWrapper represents the outer wrapper of App Store Server Notification V2
// Apple sends notifications as a JWS in the signedPayload field
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// AppStoreNotificationPayload is the verified content of signedPayload.
// Apple uses camelCase for field names
type AppStoreNotificationPayload struct {
	NotificationType string                    `json:"notificationType"` // e.g., "SUBSCRIBED", "DID_RENEW"
	Subtype          string                    `json:"subtype,omitempty"`
	NotificationUUID string                    `json:"notificationUUID"`
	Version          string                    `json:"version"`
	SignedDate       int64                     `json:"signedDate"` // milliseconds since epoch
	Data             *AppStoreNotificationData `json:"data,omitempty"`
}

// AppStoreNotificationData contains the app metadata and the nested signed payloads
type AppStoreNotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"` // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
	Status                int    `json:"status,omitempty"`
}

// AppStoreTransactionInfo is the decoded signedTransactionInfo JWS payload
type AppStoreTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Type                  string `json:"type"`
	InAppOwnershipType    string `json:"inAppOwnershipType"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	Environment           string `json:"environment"`
	RevocationDate        int64  `json:"revocationDate,omitempty"`
}

// AppStoreRenewalInfo is the decoded signedRenewalInfo JWS payload
type AppStoreRenewalInfo struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"` // 1 = on, 0 = off
	ExpirationIntent       int    `json:"expirationIntent,omitempty"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate,omitempty"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	OfferIdentifier        string `json:"offerIdentifier,omitempty"`
	PriceIncreaseStatus    *int   `json:"priceIncreaseStatus,omitempty"`
	Environment            string `json:"environment"`
}

// AppleReceiptRequest is the body posted to the verifyReceipt endpoint
type AppleReceiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// AppleReceiptResponse represents Apple receipt verification response
type AppleReceiptResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	IsRetryable bool   `json:"is-retryable"`
	Receipt     struct {
		BundleID string               `json:"bundle_id"`
		InApp    []AppleReceiptRecord `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo  []AppleReceiptRecord      `json:"latest_receipt_info"`
	PendingRenewalInfo []ApplePendingRenewalInfo `json:"pending_renewal_info"`
}

// AppleReceiptRecord is one transaction entry of a receipt. Dates are
// millisecond timestamps encoded as strings.
type AppleReceiptRecord struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	InAppOwnershipType    string `json:"in_app_ownership_type"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

// ApplePendingRenewalInfo carries the auto-renew state per lineage
type ApplePendingRenewalInfo struct {
	AutoRenewProductID     string `json:"auto_renew_product_id"`
	AutoRenewStatus        string `json:"auto_renew_status"` // "1" or "0"
	OriginalTransactionID  string `json:"original_transaction_id"`
	IsInBillingRetryPeriod string `json:"is_in_billing_retry_period"`
}
