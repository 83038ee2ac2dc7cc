package manager

import "context"

type accountKey struct{}

// WithAccount returns a context carrying the authenticated account
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

// AccountFromContext returns the authenticated account of a request
func AccountFromContext(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountKey{}).(string)
	return accountID, ok && accountID != ""
}
