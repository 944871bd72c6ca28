package authcore

import "context"

type clientIPContextKey struct{}
type requestPathContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine records it
// on audit events and uses it for login throttling when enabled.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithRequestPath attaches the normalized request path to ctx so audit events
// emitted deep inside a flow can name the endpoint that triggered them.
func WithRequestPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, requestPathContextKey{}, path)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func requestPathFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	p, _ := ctx.Value(requestPathContextKey{}).(string)
	return p
}
