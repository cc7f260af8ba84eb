// Package webhook implements the Signed Webhook Driver (spec C7): an
// HMAC-SHA256 signed POST with a hard deadline. It generalizes the
// teacher's Ed25519 receipt/decision signing (pkg/crypto/signer.go) from
// asymmetric artifact signatures to a symmetric, per-request wire
// signature over canonicalized JSON, matching the HMAC scheme most
// webhook-receiving services expect.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mova-agent/runtime/pkg/canonical"
)

// Request is the input to Deliver, per spec §4.7.
type Request struct {
	TargetURL     string
	Payload       any
	SigningSecret string
	TimeoutMs     int64
}

// Response is the driver's single-attempt result. The driver never returns
// a Go error for non-2xx HTTP responses, nor for a timeout (status 408) or
// another transport failure (status 500); both of those leave
// ResponseBodySHA256 empty. Deliver returns an error only when the payload
// cannot be canonicalized or the request cannot be built.
type Response struct {
	Status             int
	DurationMs         int64
	ResponseBody       string
	ResponseBodySHA256 string
	BodySHA256         string
}

// Clock abstracts now_ms for deterministic tests.
type Clock func() time.Time

var defaultClock Clock = time.Now

// Driver is the C7 signed webhook driver.
type Driver struct {
	client *http.Client
	clock  Clock
}

// New builds a Driver. client may be nil to use http.DefaultClient's
// transport with a per-call timeout context.
func New(client *http.Client, clock Clock) *Driver {
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = defaultClock
	}
	return &Driver{client: client, clock: clock}
}

// Deliver canonicalizes req.Payload, signs it, and POSTs it to req.TargetURL.
func (d *Driver) Deliver(ctx context.Context, req Request) (Response, error) {
	body, err := canonical.JSON(req.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("webhook: canonicalize payload: %w", err)
	}
	bodySHA := canonical.SHA256Hex(body)

	start := d.clock()
	timestampMs := strconv.FormatInt(start.UnixMilli(), 10)
	signature := sign(req.SigningSecret, timestampMs, bodySHA)

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, req.TargetURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("webhook: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-mova-ts", timestampMs)
	httpReq.Header.Set("x-mova-body-sha256", bodySHA)
	httpReq.Header.Set("x-mova-sig", signature)

	resp, err := d.client.Do(httpReq)
	duration := d.clock().Sub(start).Milliseconds()
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return Response{Status: 408, DurationMs: duration, ResponseBody: "timeout", BodySHA256: bodySHA}, nil
		}
		return Response{Status: 500, DurationMs: duration, ResponseBody: err.Error(), BodySHA256: bodySHA}, nil
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return Response{Status: 500, DurationMs: duration, ResponseBody: readErr.Error(), BodySHA256: bodySHA}, nil
	}

	return Response{
		Status:             resp.StatusCode,
		DurationMs:         duration,
		ResponseBody:       string(respBody),
		ResponseBodySHA256: canonical.SHA256Hex(respBody),
		BodySHA256:         bodySHA,
	}, nil
}

// sign computes hex(HMAC-SHA256(secret, "{timestamp}.{body_sha256}")).
func sign(secret, timestampMs, bodySHA256 string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampMs + "." + bodySHA256))
	return hex.EncodeToString(mac.Sum(nil))
}
