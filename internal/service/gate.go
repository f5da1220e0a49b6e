package service

import "context"

type inFlightKey struct{}

// enter marks ctx as carrying an in-flight ledger operation. It reports
// whether ctx was top-level; a context that already carries an operation
// belongs to a nested call.
func enter(ctx context.Context) (context.Context, bool) {
	if ctx.Value(inFlightKey{}) != nil {
		return ctx, false
	}
	return context.WithValue(ctx, inFlightKey{}, true), true
}

// InFlight reports whether ctx was derived from a context handed out while
// an operation was executing, such as the one passed to event sinks.
func InFlight(ctx context.Context) bool {
	return ctx.Value(inFlightKey{}) != nil
}
