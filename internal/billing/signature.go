package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSignature = errors.New("invalid mercado pago signature")

const signatureTolerance = 5 * time.Minute

// verifySignature checks the x-signature header: an HMAC-SHA256 over the
// manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;". Parts of the
// manifest whose value is absent are left out.
func verifySignature(secret, header, requestID, dataID string, now time.Time) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("mercado pago webhook secret not configured")
	}
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	signedAt := time.Unix(tsInt, 0)
	if tsInt > 1_000_000_000_000 {
		signedAt = time.UnixMilli(tsInt)
	}
	if delta := now.Sub(signedAt); delta > signatureTolerance || delta < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	return nil
}

func signatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + normalizeDataID(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// Alphanumeric ids are signed in lower case.
func normalizeDataID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func parseSignatureHeader(header string) (string, string, error) {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "ts":
			ts = strings.TrimSpace(kv[1])
		case "v1":
			sig = strings.TrimSpace(kv[1])
		}
	}
	if ts == "" || sig == "" {
		return "", "", fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	return ts, sig, nil
}
