package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/webtestflow/cdp-orchestrator/internal/model"
)

var sharedHTTPClient = &http.Client{}

// handleHTTPRequest issues a server-side request (not through the browser).
// Non-2xx is a failure; on 2xx the body is parsed as JSON when the response
// content-type indicates JSON, else returned as text.
func handleHTTPRequest(ctx context.Context, step model.StepDef) model.StepOutcome {
	req := step.HTTPRequest
	if req.URL == "" {
		return fail("http_request step requires a url")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if req.Body != nil {
		switch b := req.Body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			buf, err := json.Marshal(b)
			if err != nil {
				return fail("http_request: encoding body: %s", err)
			}
			bodyReader = bytes.NewReader(buf)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return fail("http_request: %s", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := sharedHTTPClient.Do(httpReq)
	if err != nil {
		return fail("http_request: %s", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail("http_request: reading response: %s", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
			return fail("http_request: decoding JSON response: %s", err)
		}
		return ok(decoded)
	}
	return ok(string(bodyBytes))
}
