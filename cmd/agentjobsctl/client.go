package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiGet issues a GET against serverURL+path and decodes the JSON body into
// out; a non-2xx response surfaces the body as the error text.
func apiGet(path string, out interface{}) error {
	return apiDo(http.MethodGet, path, nil, "", out)
}

// apiPost issues a POST with no body (every job-control endpoint this CLI
// calls takes its target from the URL, not a request body).
func apiPost(path string, out interface{}) error {
	return apiDo(http.MethodPost, path, nil, "", out)
}

// apiPostMultipart POSTs body (a fully-built multipart form) with its
// content type, for the job-creation endpoint.
func apiPostMultipart(path string, body io.Reader, contentType string, out interface{}) error {
	return apiDo(http.MethodPost, path, body, contentType, out)
}

func apiDo(method, path string, body io.Reader, contentType string, out interface{}) error {
	client := &http.Client{Timeout: requestTimeout}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
