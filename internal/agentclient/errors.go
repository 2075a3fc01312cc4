package agentclient

import "fmt"

// APIError wraps a failed agent-server call with the taxonomy spec §4.3
// defines: which bucket it falls in, the HTTP status observed, and a
// trimmed excerpt of the response body for diagnostics.
type APIError struct {
	Kind       Kind
	StatusCode int
	BodyExcerpt string
	Err        error
}

// Kind is the failure-taxonomy bucket a caller branches retry logic on.
type Kind string

const (
	// KindTransport covers connection failures, timeouts, and DNS errors - retriable.
	KindTransport Kind = "transport_error"
	// KindAuth covers 401/403 - fatal, credentials are wrong.
	KindAuth Kind = "auth_error"
	// KindNotFound covers 404.
	KindNotFound Kind = "not_found"
	// KindServer covers 5xx - retriable once.
	KindServer Kind = "server_error"
	// KindBadRequest covers 400/422 - fatal, the caller's request was malformed.
	KindBadRequest Kind = "bad_request"
)

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agentclient: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	excerpt := e.BodyExcerpt
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return fmt.Sprintf("agentclient: %s (status %d): %s", e.Kind, e.StatusCode, excerpt)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retriable reports whether a caller should retry the request that
// produced this error.
func (e *APIError) Retriable() bool {
	switch e.Kind {
	case KindTransport, KindServer:
		return true
	default:
		return false
	}
}

func classifyStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 400 || status == 422:
		return KindBadRequest
	case status >= 500:
		return KindServer
	default:
		return KindServer
	}
}

func excerpt(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
