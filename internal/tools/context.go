package tools

import "context"

type contextKey int

const sessionKeyContextKey contextKey = iota

// WithSessionKey stamps the calling session onto the context so tools know
// which conversation invoked them.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, sessionKeyContextKey, sessionKey)
}

// SessionKeyFromContext returns the calling session key, if stamped.
func SessionKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionKeyContextKey).(string)
	return v, ok && v != ""
}
