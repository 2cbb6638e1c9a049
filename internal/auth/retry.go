package auth

import "context"

type retryKey struct{}

// MarkRetry returns a context whose requests will not trigger renewal on
// a 401.
func MarkRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, retryKey{}, true)
}

// IsRetry reports whether ctx was marked by MarkRetry.
func IsRetry(ctx context.Context) bool {
	marked, _ := ctx.Value(retryKey{}).(bool)
	return marked
}
