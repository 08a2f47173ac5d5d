package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/values"
)

// TestContext creates a context with timeout for tests
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Phone parses a number that the test knows to be valid
func Phone(t *testing.T, raw string) values.PhoneNumber {
	t.Helper()
	p, err := values.NewPhoneNumber(raw)
	require.NoError(t, err)
	return p
}
