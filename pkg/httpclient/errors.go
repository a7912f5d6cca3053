package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 1 << 20

// ProviderError is a non-2xx response from an upstream identity provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	// Code is the machine-readable error when the body carried one, such as
	// OAuth's "invalid_grant".
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s returned status %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether retrying later could succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// providerErrorBody covers the shapes used by OAuth endpoints
// ({"error","error_description"}), GitHub's REST API ({"message"}) and
// Google's API errors ({"error":{"code","message","status"}}).
type providerErrorBody struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Message          string          `json:"message"`
}

type googleAPIError struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ParseResponseError consumes and closes resp.Body and describes the failure
// as a *ProviderError.
func ParseResponseError(resp *http.Response, provider string) error {
	defer func() { _ = resp.Body.Close() }()

	perr := &ProviderError{Provider: provider, StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		perr.Message = "failed to read body: " + err.Error()
		return perr
	}

	var body providerErrorBody
	if json.Unmarshal(raw, &body) == nil {
		var code string
		var nested googleAPIError
		switch {
		case json.Unmarshal(body.Error, &code) == nil && code != "":
			perr.Code = code
			perr.Message = body.ErrorDescription
		case json.Unmarshal(body.Error, &nested) == nil && nested.Message != "":
			perr.Code = nested.Status
			perr.Message = nested.Message
		}
		if perr.Message == "" {
			perr.Message = body.Message
		}
	}

	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(raw))
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode)
	}
	return perr
}
