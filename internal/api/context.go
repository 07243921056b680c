package api

import "context"

// ledgerKeyContextKey is the context key for the validated ledger key.
type ledgerKeyContextKey struct{}

// WithLedgerKey returns a new context with the ledger key attached.
func WithLedgerKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ledgerKeyContextKey{}, key)
}

// LedgerKeyFromContext extracts the ledger key from the context.
// Returns "" if not present.
func LedgerKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(ledgerKeyContextKey{}).(string)
	return key
}
