package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/bankdash/pkg/idx"
)

// RequestIDHeader carries the correlation id of an outbound request.
const RequestIDHeader = "X-Request-ID"

// Transport logs every outbound request and stamps it with a request id.
// It logs through the logger carried by the request context, falling back
// to Logger. A nil Base uses http.DefaultTransport.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
	}
	ctx := WithRequestID(r.Context(), t.Logger, reqID)
	r = r.Clone(ctx)
	r.Header.Set(RequestIDHeader, reqID)

	start := time.Now()
	resp, err := base.RoundTrip(r)
	duration := time.Since(start).Milliseconds()

	log := FromContext(ctx, nil).With(
		"method", r.Method,
		"path", r.URL.Path,
		"duration_ms", duration,
	)
	if err != nil {
		log.Warn("http_request_failed", "error", err)
		return nil, err
	}

	log.Debug("http_request", "status", resp.StatusCode)
	return resp, nil
}
