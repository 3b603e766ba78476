package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks an x-signature header of the form "ts=<ts>,v1=<hex>"
// against HMAC-SHA256 of the manifest "id:<dataID>;request-id:<requestID>;ts:<ts>;".
// Manifest parts that are empty are left out.
func VerifySignature(secret, header, requestID, dataID string) error {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	got, err := hex.DecodeString(v1)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal(got, sign(secret, Manifest(dataID, requestID, ts))) {
		return ErrInvalidSignature
	}
	return nil
}

func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// Sign returns the header value a processor would send for the given
// notification. It is used by tests and local tooling.
func Sign(secret, dataID, requestID, ts string) string {
	return "ts=" + ts + ",v1=" + hex.EncodeToString(sign(secret, Manifest(dataID, requestID, ts)))
}

func sign(secret, manifest string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}
