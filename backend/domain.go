package backend

import (
	"context"
	"io"
	"net/url"
	"strings"
)

type BackendType string

const (
	HTTPBackend    BackendType = "http"
	UnknownBackend BackendType = "unknown"
)

// BackendForURL reports which fetcher can serve rawURL. Only http and https
// URLs are supported.
func BackendForURL(rawURL string) BackendType {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return UnknownBackend
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return HTTPBackend
	default:
		return UnknownBackend
	}
}

// Fetcher turns a URL into a sequential, read-once byte stream. A non-nil
// error means no stream was opened; its text is the reason shown to the TFTP
// client.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// FetchError is a failed upstream fetch. Reason is the human readable text
// (HTTP status text, connection failure or timeout); Err keeps the cause for
// logs.
type FetchError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	return e.Reason
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
