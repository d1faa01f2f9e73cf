package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// testPKI is a root -> intermediate -> leaf ECDSA chain shaped like the App Store one.
type testPKI struct {
	root         *x509.Certificate
	intermediate *x509.Certificate
	leaf         *x509.Certificate
	leafKey      *ecdsa.PrivateKey
}

type pkiOptions struct {
	withoutAppleOIDs bool
	notAfter         time.Time
}

func newTestPKI(t *testing.T) *testPKI {
	return newTestPKIWith(t, pkiOptions{})
}

func newTestPKIWith(t *testing.T, opts pkiOptions) *testPKI {
	t.Helper()
	now := time.Now()
	notAfter := opts.notAfter
	if notAfter.IsZero() {
		notAfter = now.Add(24 * time.Hour)
	}
	// ASN.1 NULL, as Apple encodes the marker extensions
	null := []byte{0x05, 0x00}

	rootKey := newKey(t)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA - G3"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	root := createCert(t, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)

	interKey := newKey(t)
	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test WWDR CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	if !opts.withoutAppleOIDs {
		interTmpl.ExtraExtensions = []pkix.Extension{{Id: oidAppleIntermediateWWDR, Value: null}}
	}
	intermediate := createCert(t, interTmpl, root, &interKey.PublicKey, rootKey)

	leafKey := newKey(t)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test App Store Signing"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if !opts.withoutAppleOIDs {
		leafTmpl.ExtraExtensions = []pkix.Extension{{Id: oidAppStoreLeaf, Value: null}}
	}
	leaf := createCert(t, leafTmpl, intermediate, &leafKey.PublicKey, interKey)

	return &testPKI{root: root, intermediate: intermediate, leaf: leaf, leafKey: leafKey}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func createCert(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// sign produces an ES256 compact JWS over claims with the chain in x5c.
func (p *testPKI) sign(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(claims))
	token.Header["x5c"] = []string{
		base64.StdEncoding.EncodeToString(p.leaf.Raw),
		base64.StdEncoding.EncodeToString(p.intermediate.Raw),
		base64.StdEncoding.EncodeToString(p.root.Raw),
	}
	signed, err := token.SignedString(p.leafKey)
	require.NoError(t, err)
	return signed
}

func (p *testPKI) verifier() *SignatureVerifier {
	return NewSignatureVerifier(StaticRoots{p.root})
}

func transactionClaims(otid, txnID string, purchase, expires time.Time) map[string]interface{} {
	return map[string]interface{}{
		"transactionId":         txnID,
		"originalTransactionId": otid,
		"productId":             "pro.monthly",
		"bundleId":              "com.example.app",
		"purchaseDate":          purchase.UnixMilli(),
		"originalPurchaseDate":  purchase.UnixMilli(),
		"expiresDate":           expires.UnixMilli(),
		"type":                  "Auto-Renewable Subscription",
		"inAppOwnershipType":    "PURCHASED",
		"environment":           "Sandbox",
	}
}

func renewalClaims(otid string, autoRenew int, billingRetry bool) map[string]interface{} {
	return map[string]interface{}{
		"originalTransactionId":  otid,
		"autoRenewProductId":     "pro.yearly",
		"productId":              "pro.monthly",
		"autoRenewStatus":        autoRenew,
		"isInBillingRetryPeriod": billingRetry,
		"environment":            "Sandbox",
	}
}

// notificationClaims builds a notification payload; txn and renewal may be nil.
func (p *testPKI) notificationClaims(t *testing.T, notificationType, subtype string, txn, renewal map[string]interface{}) map[string]interface{} {
	t.Helper()
	data := map[string]interface{}{
		"appAppleId":  1234567890,
		"bundleId":    "com.example.app",
		"environment": "Sandbox",
	}
	if txn != nil {
		data["signedTransactionInfo"] = p.sign(t, txn)
	}
	if renewal != nil {
		data["signedRenewalInfo"] = p.sign(t, renewal)
	}
	claims := map[string]interface{}{
		"notificationType": notificationType,
		"notificationUUID": "7f1c2b8e-2f7a-4c1e-9d55-2f2a3c4b5d6e",
		"version":          "2.0",
		"signedDate":       time.Now().UnixMilli(),
		"data":             data,
	}
	if subtype != "" {
		claims["subtype"] = subtype
	}
	return claims
}

// newTestStore opens a migrated SQLite entitlement store in a temp dir.
func newTestStore(t *testing.T) *database.EntitlementStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database.NewEntitlementStore(db)
}

// seedEntitlement stores an active row as a client purchase would.
func seedEntitlement(t *testing.T, store *database.EntitlementStore, userID, otid string, expires time.Time) {
	t.Helper()
	_, err := store.UpsertEntitlement(context.Background(), userID, otid, models.EntitlementUpdate{
		Status:              models.Ptr(models.StatusActive),
		ProductID:           models.Ptr("pro.monthly"),
		LatestTransactionID: models.Ptr("1000"),
		PurchaseDate:        models.Ptr(expires.Add(-30 * 24 * time.Hour)),
		ExpiresDate:         models.Ptr(expires),
		AutoRenewStatus:     models.Ptr(true),
		Environment:         models.Ptr(models.EnvironmentSandbox),
	})
	require.NoError(t, err)
}
