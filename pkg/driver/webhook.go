package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mova-agent/runtime/pkg/webhook"
)

// webhookDriver adapts the standalone signed-webhook package (C7) to the
// Driver interface so the Delivery Orchestrator can resolve it like any
// other driver_kind.
type webhookDriver struct {
	signer *webhook.Driver
}

// transportError reports a delivery that never got an HTTP response. It
// satisfies net.Error so the retry engine treats it as a network failure.
type transportError string

func (e transportError) Error() string   { return "webhook driver: " + string(e) }
func (e transportError) Timeout() bool   { return false }
func (e transportError) Temporary() bool { return true }

func newWebhookFactory(config map[string]any) (Driver, error) {
	return &webhookDriver{signer: webhook.New(nil, nil)}, nil
}

func (d *webhookDriver) Name() string { return "http_webhook_delivery_v1" }

func (d *webhookDriver) Execute(ctx context.Context, in Input) (Output, error) {
	url, _ := in.Extra["url"].(string)
	secret, _ := in.Extra["signing_secret"].(string)
	if url == "" {
		return Output{}, fmt.Errorf("webhook driver: missing url")
	}

	var payload any
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return Output{}, fmt.Errorf("webhook driver: decode payload: %w", err)
		}
	}

	resp, err := d.signer.Deliver(ctx, webhook.Request{
		TargetURL:     url,
		Payload:       payload,
		SigningSecret: secret,
		TimeoutMs:     in.TimeoutMs,
	})
	if err != nil {
		return Output{StatusCode: 500}, err
	}
	if resp.ResponseBodySHA256 == "" && resp.Status != 408 {
		// No HTTP response was received: report the transport failure as an
		// error so the retry engine classifies it as a network error.
		return Output{StatusCode: resp.Status, Body: []byte(resp.ResponseBody)}, transportError(resp.ResponseBody)
	}
	headers := map[string]string{
		"x-mova-body-sha256":          resp.BodySHA256,
		"x-mova-response-body-sha256": resp.ResponseBodySHA256,
		"x-mova-duration-ms":          fmt.Sprintf("%d", resp.DurationMs),
	}
	return Output{StatusCode: resp.Status, Body: []byte(resp.ResponseBody), Headers: headers}, nil
}
