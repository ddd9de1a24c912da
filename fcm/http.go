package fcm

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// NewHTTPClient builds the process-wide HTTP client used for the bootstrap
// endpoints. HTTP/2 is disabled: android.clients.google.com rejects some
// upgraded register calls, so the client pins HTTP/1.1.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// LoggingHTTPClient wraps hc with request/response logging when logger is at
// debug level, otherwise returns hc as-is.
func LoggingHTTPClient(hc *http.Client, logger *slog.Logger) *http.Client {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return hc
	}
	transport := hc.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: &loggingRoundTripper{inner: transport, logger: logger},
		Timeout:   hc.Timeout,
	}
}

// loggingRoundTripper logs one debug line per bootstrap request and response,
// with headers and a body snippet as structured attributes. Bodies are read
// and replayed so the exchange is unaffected.
type loggingRoundTripper struct {
	inner  http.RoundTripper
	logger *slog.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	logger := t.logger.With("method", req.Method, "url", req.URL.String())

	attrs := []any{slog.Attr{Key: "headers", Value: headerValue(req.Header)}}
	if body, ok := replayBody(&req.Body); ok {
		attrs = append(attrs, "body_len", len(body), "body", snippet(body))
	}
	logger.Debug("bootstrap request", attrs...)

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		logger.Debug("bootstrap request failed", "error", err)
		return nil, err
	}

	attrs = []any{"status", resp.StatusCode, slog.Attr{Key: "headers", Value: headerValue(resp.Header)}}
	if body, ok := replayBody(&resp.Body); ok {
		attrs = append(attrs, "body_len", len(body), "body", snippet(body))
	}
	logger.Debug("bootstrap response", attrs...)

	return resp, nil
}

// replayBody drains *body and replaces it with a fresh reader over the same
// bytes, returning what was read. A nil or unreadable body reports false.
func replayBody(body *io.ReadCloser) ([]byte, bool) {
	if *body == nil || *body == http.NoBody {
		return nil, false
	}
	data, err := io.ReadAll(*body)
	(*body).Close()
	if err != nil {
		*body = http.NoBody
		return nil, false
	}
	*body = io.NopCloser(bytes.NewReader(data))
	return data, true
}

// headerValue renders headers as a slog group, one attr per header. Long
// values (tokens, cookies) are elided down to their edges.
func headerValue(h http.Header) slog.Value {
	attrs := make([]slog.Attr, 0, len(h))
	for k, vs := range h {
		v := strings.Join(vs, ", ")
		if len(v) > 120 {
			v = v[:60] + "…" + v[len(v)-20:]
		}
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// snippet trims a body to a loggable size.
func snippet(body []byte) string {
	const max = 2000
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "…"
}
