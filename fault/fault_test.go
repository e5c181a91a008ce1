package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefreshErrorPermanence(t *testing.T) {
	require.True(t, (&RefreshError{Status: 400, Body: "invalid_grant"}).Permanent())
	require.True(t, (&RefreshError{Status: 403}).Permanent())
	require.False(t, (&RefreshError{Status: 500}).Permanent())
	require.False(t, (&RefreshError{Status: 503}).Permanent())
}

func TestProviderErrorQuota(t *testing.T) {
	require.True(t, (&ProviderError{Status: 429}).Quota())
	require.True(t, (&ProviderError{Status: 403, Body: `{"reason":"rateLimitExceeded"}`}).Quota())
	require.True(t, (&ProviderError{Status: 403, Body: `usageLimits exceeded`}).Quota())
	require.False(t, (&ProviderError{Status: 403, Body: "insufficient permissions"}).Quota())
	require.False(t, (&ProviderError{Status: 404}).Quota())
}

func TestProviderErrorRetryable(t *testing.T) {
	require.True(t, (&ProviderError{Status: 500}).Retryable())
	require.True(t, (&ProviderError{Status: 503}).Retryable())
	require.True(t, (&ProviderError{Status: 429}).Retryable())
	require.False(t, (&ProviderError{Status: 400}).Retryable())
	require.False(t, (&ProviderError{Status: 404}).Retryable())
}

func TestIsPermanentRefreshUnwraps(t *testing.T) {
	err := fmt.Errorf("get access token: %w", &RefreshError{Status: 400, Body: "invalid_grant"})
	require.True(t, IsPermanentRefresh(err))
	require.False(t, IsPermanentRefresh(fmt.Errorf("get access token: %w", &RefreshError{Status: 502})))
	require.False(t, IsPermanentRefresh(errors.New("boom")))
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrNoTokens, ErrCryptoFailure, ErrChannelNotFound, ErrSubscriptionNotFound, ErrNotFound}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			require.False(t, errors.Is(a, b))
		}
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{Entity: "session", From: "committed", To: "cancelled"}
	require.Contains(t, err.Error(), "session")
	require.Contains(t, err.Error(), `"committed"`)
	require.Contains(t, err.Error(), `"cancelled"`)
}
