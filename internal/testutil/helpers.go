package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context that is cancelled when the test ends or
// after 30s, whichever comes first
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
