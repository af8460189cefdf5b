package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names set on every signed delivery.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderEventType = "X-Event-Type"
)

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, b)
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for use in headers
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// SignTimestamped signs "<unix>.<body>" so a receiver can reject replays.
func SignTimestamped(secret string, ts time.Time, body []byte) (sig, unix string) {
	unix = strconv.FormatInt(ts.Unix(), 10)
	return SignHMAC(secret, append([]byte(unix+"."), body...)), unix
}

// VerifyTimestamped checks a SignTimestamped signature and that the
// timestamp is within tolerance of now.
func VerifyTimestamped(secret string, body []byte, provided, unix string, now time.Time, tolerance time.Duration) bool {
	n, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(n, 0))
	if age < -tolerance || age > tolerance {
		return false
	}
	return VerifyHMAC(secret, append([]byte(unix+"."), body...), provided)
}
