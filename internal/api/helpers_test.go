package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/internal/middleware"
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

func init() {
	gin.SetMode(gin.TestMode)
}

// signer is a self-signed ES256 identity; the handlers run in leaf trust mode.
type signer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test App Store Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &signer{cert: cert, key: key}
}

func (s *signer) sign(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(claims))
	token.Header["x5c"] = []string{base64.StdEncoding.EncodeToString(s.cert.Raw)}
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

// notificationBody builds a webhook delivery for one transaction of otid.
func (s *signer) notificationBody(t *testing.T, notificationType, uuid, otid string, expires time.Time) []byte {
	t.Helper()
	txn := s.sign(t, map[string]interface{}{
		"transactionId":         "2001",
		"originalTransactionId": otid,
		"productId":             "pro.monthly",
		"purchaseDate":          expires.Add(-30 * 24 * time.Hour).UnixMilli(),
		"expiresDate":           expires.UnixMilli(),
		"environment":           "Sandbox",
	})
	payload := s.sign(t, map[string]interface{}{
		"notificationType": notificationType,
		"notificationUUID": uuid,
		"version":          "2.0",
		"signedDate":       time.Now().UnixMilli(),
		"data": map[string]interface{}{
			"bundleId":              "com.example.app",
			"environment":           "Sandbox",
			"signedTransactionInfo": txn,
		},
	})
	body, err := json.Marshal(models.AppStoreNotificationWrapper{SignedPayload: payload})
	require.NoError(t, err)
	return body
}

type apiFixture struct {
	router  *gin.Engine
	store   *database.EntitlementStore
	service *services.SubscriptionService
	signer  *signer
}

// newAPIFixture wires the full stack over SQLite. receiptURL may be empty when a
// test never verifies receipts.
func newAPIFixture(t *testing.T, receiptURL string, adminKey string) *apiFixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := database.NewEntitlementStore(db)

	replay := services.NewReplayProtection(nil, time.Hour)
	t.Cleanup(replay.Stop)

	service := services.NewSubscriptionService(services.SubscriptionServiceOptions{
		Verifier: services.NewLeafOnlySignatureVerifier(),
		Receipts: services.NewReceiptVerifier(receiptURL+"/production", receiptURL+"/sandbox", 2*time.Second, 60*time.Second),
		Store:    store,
		Replay:   replay,
		Alerter:  services.LogAlerter{},
	})

	r := gin.New()
	SetupRoutes(r, NewHandler(service, store), RouteOptions{
		Users:         middleware.HeaderUserResolver{},
		AdminAPIKey:   adminKey,
		VerifyLimiter: services.NewRateLimiter(nil, 0, time.Minute),
	})

	return &apiFixture{router: r, store: store, service: service, signer: newSigner(t)}
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func asUser(userID string) map[string]string {
	return map[string]string{middleware.DefaultUserHeader: userID}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func seed(t *testing.T, store *database.EntitlementStore, userID, otid string, expires time.Time) {
	t.Helper()
	_, err := store.UpsertEntitlement(context.Background(), userID, otid, models.EntitlementUpdate{
		Status:              models.Ptr(models.StatusActive),
		ProductID:           models.Ptr("pro.monthly"),
		LatestTransactionID: models.Ptr("1000"),
		ExpiresDate:         models.Ptr(expires),
		AutoRenewStatus:     models.Ptr(true),
		Environment:         models.Ptr(models.EnvironmentSandbox),
		Platform:            models.Ptr(models.PlatformIOS),
	})
	require.NoError(t, err)
}

// receiptAuthority fakes verifyReceipt: the receipt data selects the answer.
func receiptAuthority(t *testing.T, purchase time.Time) *httptest.Server {
	t.Helper()
	ms := func(at time.Time) string { return strconv.FormatInt(at.UnixMilli(), 10) }
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.AppleReceiptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.ReceiptData {
		case "forged":
			w.Write([]byte(`{"status": 21003}`))
		case "unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			fmt.Fprintf(w, `{"status": 0, "environment": "Production", "latest_receipt_info": [
				{"transaction_id": "txn-1", "original_transaction_id": "otid-1", "product_id": "pro.monthly", "purchase_date_ms": "%s", "expires_date_ms": "%s"}
			]}`, ms(purchase), ms(purchase.Add(30*24*time.Hour)))
		}
	}))
	t.Cleanup(server.Close)
	return server
}
