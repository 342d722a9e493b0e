package testutil

import (
	"net/http"

	"docseal/pkg/requestcontext"
)

// WithOperator adds an operator subject to the request context.
// This simulates what the auth middleware does for authenticated requests.
func WithOperator(req *http.Request, operator string) *http.Request {
	if operator == "" {
		return req
	}
	return req.WithContext(requestcontext.WithOperator(req.Context(), operator))
}

// WithRequestID adds a correlation ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithClient adds client IP, User-Agent and device summary to the request
// context, as the metadata middleware would.
func WithClient(req *http.Request, clientIP, userAgent, device string) *http.Request {
	ctx := requestcontext.WithClientMetadata(req.Context(), clientIP, userAgent)
	ctx = requestcontext.WithDevice(ctx, device)
	return req.WithContext(ctx)
}
