package launcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Headers that authenticate coordinator-to-agent requests.
const (
	HeaderAgentToken     = "X-Agent-Token"
	HeaderAgentTimestamp = "X-Agent-Timestamp"
	HeaderAgentSignature = "X-Agent-Signature"
)

// DefaultMaxSkew bounds how old a signed request may be.
const DefaultMaxSkew = 5 * time.Minute

// SignRequest sets the agent auth headers on req. The signature covers the
// method, path, timestamp and body digest, keyed by the shared token.
func SignRequest(req *http.Request, token string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	req.Header.Set(HeaderAgentToken, token)
	req.Header.Set(HeaderAgentTimestamp, ts)
	req.Header.Set(HeaderAgentSignature, signature(req.Method, req.URL.Path, ts, body, token))
}

// VerifyRequest checks the auth headers set by SignRequest.
func VerifyRequest(req *http.Request, token string, body []byte, now time.Time, maxSkew time.Duration) error {
	if !hmac.Equal([]byte(req.Header.Get(HeaderAgentToken)), []byte(token)) {
		return fmt.Errorf("invalid %s", HeaderAgentToken)
	}
	tsRaw := req.Header.Get(HeaderAgentTimestamp)
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q", HeaderAgentTimestamp, tsRaw)
	}
	skew := now.UTC().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("request timestamp outside allowed skew of %s", maxSkew)
	}

	got := req.Header.Get(HeaderAgentSignature)
	if got == "" {
		return fmt.Errorf("missing %s", HeaderAgentSignature)
	}
	if !hmac.Equal([]byte(got), []byte(signature(req.Method, req.URL.Path, tsRaw, body, token))) {
		return fmt.Errorf("invalid request signature")
	}
	return nil
}

func signature(method, path, ts string, body []byte, token string) string {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(token))
	_, _ = fmt.Fprintf(mac, "%s\n%s\n%s\n%x", method, path, ts, digest)
	return hex.EncodeToString(mac.Sum(nil))
}
