// Package fault defines the error kinds shared across actors, queue
// consumers, and the API surface. Callers match sentinels with errors.Is and
// typed failures with errors.As; consumers use the classification helpers to
// decide between acking a message and letting the queue redeliver it.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	// ErrNoTokens reports that an account actor has no stored credentials.
	ErrNoTokens = errors.New("no tokens stored for account")

	// ErrCryptoFailure reports an envelope decrypt failure: tampered
	// ciphertext, wrong master key, or wrong DEK. Monitored and alertable.
	ErrCryptoFailure = errors.New("envelope decryption failed")

	// ErrChannelNotFound reports an unknown watch channel id.
	ErrChannelNotFound = errors.New("watch channel not found")

	// ErrSubscriptionNotFound reports an unknown Graph subscription id.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNotFound reports an unknown canonical event, session, candidate,
	// policy, or VIP.
	ErrNotFound = errors.New("not found")
)

type (
	// RefreshError reports a provider's refusal to refresh an access token.
	// A 4xx status is permanent (the grant is gone); 5xx is retryable.
	RefreshError struct {
		Status int
		Body   string
	}

	// ProviderError carries a provider API failure for ack-vs-retry
	// decisions in the write and sync paths.
	ProviderError struct {
		Status int
		Body   string
	}

	// TransitionError reports a session or hold state machine violation.
	TransitionError struct {
		Entity string
		From   string
		To     string
	}

	// ValidationError reports a request that fails its preconditions.
	ValidationError struct {
		Msg string
	}
)

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, e.Body)
}

// Permanent reports whether the provider's refusal is final. Invalid or
// revoked grants come back as 4xx; those never succeed on retry.
func (e *RefreshError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// Quota reports whether the failure is a rate or quota limit. Google signals
// quota exhaustion as 403 with a rate-limit reason in the body, both
// providers use 429.
func (e *ProviderError) Quota() bool {
	if e.Status == 429 {
		return true
	}
	if e.Status != 403 {
		return false
	}
	return strings.Contains(e.Body, "rateLimitExceeded") ||
		strings.Contains(e.Body, "usageLimits") ||
		strings.Contains(e.Body, "quotaExceeded")
}

// Retryable reports whether the write should be redelivered: server errors
// and quota limits clear up, other 4xx do not.
func (e *ProviderError) Retryable() bool {
	return e.Status >= 500 || e.Quota()
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %q to %q", e.Entity, e.From, e.To)
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsPermanentRefresh reports whether err wraps a RefreshError with a 4xx
// status. Sync consumers mark the account failed and ack on these instead of
// retrying against a dead grant.
func IsPermanentRefresh(err error) bool {
	var re *RefreshError
	return errors.As(err, &re) && re.Permanent()
}
