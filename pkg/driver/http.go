package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpDriver performs a single plain HTTP call per Execute, with no
// built-in retry — retry is C8's concern, layered around the driver by the
// orchestrator. A request timeout is reported as status 408; any other
// transport failure is reported as status 500 with the error returned
// alongside, so the caller can distinguish "delivered but unhappy" from
// "never reached the wire".
type httpDriver struct {
	client *http.Client
}

func newHTTPFactory(config map[string]any) (Driver, error) {
	return &httpDriver{client: &http.Client{}}, nil
}

func (d *httpDriver) Name() string { return "http" }

func (d *httpDriver) Execute(ctx context.Context, in Input) (Output, error) {
	url, _ := in.Extra["url"].(string)
	if url == "" {
		return Output{}, fmt.Errorf("http driver: missing url")
	}
	method, _ := in.Extra["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(in.Payload))
	if err != nil {
		return Output{}, fmt.Errorf("http driver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch headers := in.Extra["headers"].(type) {
	case map[string]string:
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	case map[string]any:
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Output{StatusCode: 408}, err
		}
		return Output{StatusCode: 500}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{StatusCode: 500}, fmt.Errorf("http driver: read body: %w", err)
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return Output{StatusCode: resp.StatusCode, Body: body, Headers: headers}, nil
}
