package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

type staticCreds struct {
	creds Credentials
}

func (s staticCreds) Credentials() (Credentials, error) { return s.creds, nil }

func completeCreds() Credentials {
	return Credentials{
		APIKey:        "test-key",
		APISecret:     base64.URLEncoding.EncodeToString([]byte("super-secret")),
		APIPassphrase: "test-pass",
		WalletAddress: "0x00000000000000000000000000000000000000aa",
	}
}

func TestBuildHMACMatchesReference(t *testing.T) {
	t.Parallel()

	secretRaw := []byte("super-secret")
	secret := base64.URLEncoding.EncodeToString(secretRaw)

	got, err := buildHMAC(secret, "1700000000", "POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}

	mac := hmac.New(sha256.New, secretRaw)
	mac.Write([]byte("1700000000POST/order" + `{"x":1}`))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Errorf("buildHMAC = %q, want %q", got, want)
	}
}

func TestBuildHMACOmitsEmptyBody(t *testing.T) {
	t.Parallel()
	secret := base64.URLEncoding.EncodeToString([]byte("k"))

	withBody, _ := buildHMAC(secret, "1", "GET", "/book", "")
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("1GET/book"))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	if withBody != want {
		t.Errorf("empty body must not alter the message")
	}
}

func TestBuildHMACStandardBase64Fallback(t *testing.T) {
	t.Parallel()

	// A secret whose standard-alphabet encoding contains '+' or '/' fails
	// URL-safe decoding and must fall back.
	raw := []byte{0xfb, 0xff, 0xfe, 0x01, 0x02, 0x03}
	secret := base64.StdEncoding.EncodeToString(raw)

	if _, err := buildHMAC(secret, "1", "GET", "/time", ""); err != nil {
		t.Errorf("buildHMAC with std-base64 secret: %v", err)
	}
}

func TestL2HeadersComplete(t *testing.T) {
	t.Parallel()
	auth := NewAuth(staticCreds{creds: completeCreds()}, testLogger())

	headers, err := auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	if headers == nil {
		t.Fatal("expected headers, got nil")
	}

	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("header %s is empty", key)
		}
	}
	if headers["POLY_ADDRESS"] != "0x00000000000000000000000000000000000000aa" {
		t.Errorf("POLY_ADDRESS = %q", headers["POLY_ADDRESS"])
	}
	if headers["POLY_API_KEY"] != "test-key" {
		t.Errorf("POLY_API_KEY = %q", headers["POLY_API_KEY"])
	}
}

func TestL2HeadersSignerOverridesWallet(t *testing.T) {
	t.Parallel()
	creds := completeCreds()
	creds.SignerAddress = "0x00000000000000000000000000000000000000bb"
	auth := NewAuth(staticCreds{creds: creds}, testLogger())

	headers, err := auth.L2Headers("GET", "/time", "")
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	if headers["POLY_ADDRESS"] != creds.SignerAddress {
		t.Errorf("POLY_ADDRESS = %q, want signer address", headers["POLY_ADDRESS"])
	}
}

func TestL2HeadersSkippedWhenIncomplete(t *testing.T) {
	t.Parallel()
	creds := completeCreds()
	creds.APISecret = ""
	auth := NewAuth(staticCreds{creds: creds}, testLogger())

	headers, err := auth.L2Headers("GET", "/time", "")
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	if headers != nil {
		t.Errorf("expected nil headers for incomplete credentials, got %v", headers)
	}
}
