package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
)

// Apple marker extensions on App Store signing certificates.
var (
	oidAppStoreLeaf          = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}
	oidAppleIntermediateWWDR = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

// VerifiedPayload is the payload of a JWS whose signature checked out. Only
// SignatureVerifier can build one.
type VerifiedPayload struct {
	payload []byte
	leaf    *x509.Certificate
}

// Payload returns a copy of the decoded JSON payload.
func (p *VerifiedPayload) Payload() []byte {
	out := make([]byte, len(p.payload))
	copy(out, p.payload)
	return out
}

// SigningCertificate is the leaf certificate the payload was signed with.
func (p *VerifiedPayload) SigningCertificate() *x509.Certificate {
	return p.leaf
}

// rawClaims keeps the payload bytes untouched; large integer ids must not pass through float64.
type rawClaims struct {
	raw json.RawMessage
}

func (c *rawClaims) UnmarshalJSON(b []byte) error {
	c.raw = append(c.raw[:0], b...)
	return nil
}

func (c *rawClaims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (c *rawClaims) GetIssuedAt() (*jwt.NumericDate, error) { return nil, nil }
func (c *rawClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *rawClaims) GetIssuer() (string, error) { return "", nil }
func (c *rawClaims) GetSubject() (string, error) { return "", nil }
func (c *rawClaims) GetAudience() (jwt.ClaimStrings, error) { return nil, nil }

// RootCertificateSource supplies the pinned trust anchors.
type RootCertificateSource interface {
	RootCertificates(ctx context.Context) ([]*x509.Certificate, error)
}

// StaticRoots is a fixed set of trust anchors.
type StaticRoots []*x509.Certificate

func (s StaticRoots) RootCertificates(context.Context) ([]*x509.Certificate, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("no root certificates configured")
	}
	return s, nil
}

// FileRootSource reads PEM or DER certificates from disk.
type FileRootSource struct {
	Path string
}

func (s FileRootSource) RootCertificates(context.Context) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	return parseCertificates(data)
}

// URLRootSource downloads the root certificate and caches it.
type URLRootSource struct {
	url        string
	httpClient *http.Client

	certCache      []*x509.Certificate
	mutex          sync.RWMutex
	lastCertUpdate time.Time
	certCacheTTL   time.Duration
}

// NewURLRootSource 创建根证书下载源
func NewURLRootSource(url string, client *http.Client) *URLRootSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &URLRootSource{
		url:          url,
		httpClient:   client,
		certCacheTTL: time.Hour * 24, // 证书缓存24小时
	}
}

func (s *URLRootSource) RootCertificates(ctx context.Context) ([]*x509.Certificate, error) {
	s.mutex.RLock()
	if s.certCache != nil && time.Since(s.lastCertUpdate) < s.certCacheTTL {
		certs := s.certCache
		s.mutex.RUnlock()
		return certs, nil
	}
	s.mutex.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download root certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download root certificate: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	certs, err := parseCertificates(data)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.certCache = certs
	s.lastCertUpdate = time.Now()
	s.mutex.Unlock()

	logging.Infof("Loaded %d App Store root certificate(s) from %s", len(certs), s.url)
	return certs, nil
}

// ClearCache 清除证书缓存
func (s *URLRootSource) ClearCache() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.certCache = nil
	s.lastCertUpdate = time.Time{}
}

// SignatureVerifier App Store 签名验证器
// Verifies ES256 compact JWS tokens carrying an x5c certificate chain.
type SignatureVerifier struct {
	trustMode     string
	roots         RootCertificateSource
	checkAppleOID bool
	now           func() time.Time
}

// VerifierOption customises a SignatureVerifier.
type VerifierOption func(*SignatureVerifier)

// WithVerifierClock sets the time certificate validity is checked at.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *SignatureVerifier) { v.now = now }
}

// WithAppleOIDCheck toggles the Apple marker extension checks in pinned mode.
func WithAppleOIDCheck(enabled bool) VerifierOption {
	return func(v *SignatureVerifier) { v.checkAppleOID = enabled }
}

// NewSignatureVerifier creates a verifier that validates the chain against roots.
func NewSignatureVerifier(roots RootCertificateSource, opts ...VerifierOption) *SignatureVerifier {
	v := &SignatureVerifier{
		trustMode:     config.TrustModePinned,
		roots:         roots,
		checkAppleOID: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewLeafOnlySignatureVerifier trusts whatever leaf certificate the token carries.
// It proves integrity of the payload but not that the provider signed it.
func NewLeafOnlySignatureVerifier(opts ...VerifierOption) *SignatureVerifier {
	v := &SignatureVerifier{trustMode: config.TrustModeLeaf, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewSignatureVerifierFromConfig builds the verifier the configuration asks for.
func NewSignatureVerifierFromConfig(cfg *config.Config) *SignatureVerifier {
	if cfg.AppStoreTrustMode == config.TrustModeLeaf {
		logging.Warnf("APPSTORE_TRUST_MODE=leaf: notification signatures are checked against the embedded leaf certificate only, provenance is not verified")
		return NewLeafOnlySignatureVerifier()
	}

	var roots RootCertificateSource
	if cfg.AppStoreRootCertPath != "" {
		roots = FileRootSource{Path: cfg.AppStoreRootCertPath}
	} else {
		roots = NewURLRootSource(cfg.AppStoreRootCertURL, nil)
	}
	return NewSignatureVerifier(roots, WithAppleOIDCheck(cfg.AppStoreCheckAppleOID))
}

// TrustMode returns "pinned" or "leaf".
func (v *SignatureVerifier) TrustMode() string {
	return v.trustMode
}

// Verify checks the signature of a compact JWS and returns its payload.
// Every failure matches ErrAuthenticity.
func (v *SignatureVerifier) Verify(ctx context.Context, signed string) (*VerifiedPayload, error) {
	if strings.TrimSpace(signed) == "" {
		return nil, fmt.Errorf("%w: empty signed payload", ErrAuthenticity)
	}

	var leaf *x509.Certificate
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := &rawClaims{}
	_, err := parser.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		chain, err := certificateChain(token.Header)
		if err != nil {
			return nil, err
		}
		if v.trustMode != config.TrustModeLeaf {
			if err := v.verifyChain(ctx, chain); err != nil {
				return nil, err
			}
		}
		key, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("leaf certificate does not contain an ECDSA public key")
		}
		leaf = chain[0]
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticity, err)
	}
	if len(claims.raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrAuthenticity)
	}

	return &VerifiedPayload{payload: claims.raw, leaf: leaf}, nil
}

// verifyChain 验证证书链
func (v *SignatureVerifier) verifyChain(ctx context.Context, chain []*x509.Certificate) error {
	if v.roots == nil {
		return fmt.Errorf("no root certificate source configured")
	}
	rootCerts, err := v.roots.RootCertificates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load root certificates: %w", err)
	}

	roots := x509.NewCertPool()
	for _, cert := range rootCerts {
		roots.AddCert(cert)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("certificate chain verification failed: %w", err)
	}

	if v.checkAppleOID {
		if !hasExtension(chain[0], oidAppStoreLeaf) {
			return fmt.Errorf("leaf certificate is missing the App Store marker extension")
		}
		if len(chain) < 2 || !hasExtension(chain[1], oidAppleIntermediateWWDR) {
			return fmt.Errorf("intermediate certificate is missing the Apple WWDR marker extension")
		}
	}

	return nil
}

// certificateChain decodes the x5c header, leaf first.
func certificateChain(header map[string]interface{}) ([]*x509.Certificate, error) {
	raw, ok := header["x5c"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("missing x5c certificate chain")
	}

	chain := make([]*x509.Certificate, 0, len(raw))
	for i, entry := range raw {
		encoded, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("x5c entry %d is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("x5c entry %d is not base64: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c entry %d: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// parseCertificates accepts one DER certificate or any number of PEM blocks.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !strings.Contains(string(data), "-----BEGIN CERTIFICATE-----") {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return []*x509.Certificate{cert}, nil
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	return certs, nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}
