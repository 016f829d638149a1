// auth.go implements L2 (HMAC-SHA256) authentication for the venue CLOB API.
//
// Every authenticated request carries five headers:
//
//	POLY_ADDRESS    — signer address if configured, else the wallet address
//	POLY_SIGNATURE  — base64url(HMAC-SHA256(secret, timestamp + method + path [+ body]))
//	POLY_TIMESTAMP  — whole seconds since epoch
//	POLY_API_KEY    — the operator's API key
//	POLY_PASSPHRASE — the operator's passphrase
//
// Credentials are read live per request, so a settings change takes effect on
// the next call without a restart.
package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Credentials is the venue-facing view of the stored credentials row.
type Credentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
	WalletAddress string
	SignerAddress string
	PrivateKey    string
}

// Complete reports whether the L2 triplet plus wallet are all present.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.APISecret != "" && c.APIPassphrase != "" && c.WalletAddress != ""
}

// SigningAddress is the address carried in POLY_ADDRESS: the signer when one
// is configured, otherwise the wallet.
func (c Credentials) SigningAddress() string {
	if c.SignerAddress != "" {
		return c.SignerAddress
	}
	return c.WalletAddress
}

// CredentialSource supplies credentials on demand (backed by the store).
type CredentialSource interface {
	Credentials() (Credentials, error)
}

// Auth builds L2 headers from a live credential source.
type Auth struct {
	source CredentialSource
	logger *slog.Logger

	warnOnce sync.Once
}

// NewAuth creates an Auth bound to a credential source.
func NewAuth(source CredentialSource, logger *slog.Logger) *Auth {
	return &Auth{source: source, logger: logger.With("component", "auth")}
}

// L2Headers returns the signed header set for a request, or nil when the
// credentials are incomplete — in that case the request goes out unsigned and
// the caller sees the venue's 401.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	creds, err := a.source.Credentials()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Complete() {
		a.warnOnce.Do(func() {
			a.logger.Warn("venue credentials not configured, sending unsigned request")
		})
		return nil, nil
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := buildHMAC(creds.APISecret, timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    creds.SigningAddress(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.APIPassphrase,
	}, nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth.
// message = timestamp + method + path [+ body]. The secret is URL-safe base64
// with a fall-back to standard alphabets for keys issued by older tooling.
func buildHMAC(secret, timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
