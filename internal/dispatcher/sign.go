package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the payload signature on webhook deliveries.
const SignatureHeader = "X-Secondlayer-Signature"

// SignatureTolerance bounds how far a signature timestamp may drift from the
// receiver's clock.
const SignatureTolerance = 300 * time.Second

// Sign computes the signature header value for a payload:
// "t=<unix-seconds>,v1=<hex hmac-sha256(secret, "<t>.<payload>")>".
func Sign(secret string, payload []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", t, hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a signature header against the payload. The timestamp must be
// within SignatureTolerance of now; the MAC comparison is constant-time.
// Exported for receiver-side use and the stream test endpoint.
func Verify(secret string, payload []byte, header string, now time.Time) error {
	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			sigPart = strings.TrimPrefix(part, "v1=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return fmt.Errorf("malformed signature header")
	}

	unix, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", err)
	}
	ts := time.Unix(unix, 0)
	if ts.Before(now.Add(-SignatureTolerance)) || ts.After(now.Add(SignatureTolerance)) {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	expected := Sign(secret, payload, ts)
	want := strings.TrimPrefix(strings.SplitN(expected, ",", 2)[1], "v1=")
	if !hmac.Equal([]byte(want), []byte(sigPart)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
