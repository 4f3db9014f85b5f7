package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names sent on authenticated custody requests.
const (
	HeaderAPIKey    = "X-LMSR-Key"
	HeaderTimestamp = "X-LMSR-Timestamp"
	HeaderSignature = "X-LMSR-Signature"
)

// HMACAuth signs requests to services that share an API secret with the
// engine.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers signs a request at the current time.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt signs a request at unixTS. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: h.sign(ts + method + path + body),
	}
}

// Verify checks a signature produced by HeadersAt and rejects timestamps
// further than skew from now.
func (h *HMACAuth) Verify(method, path, body, ts, sig string, now time.Time, skew time.Duration) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return false
	}
	want := h.sign(ts + method + path + body)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (h *HMACAuth) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted form for logs.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
