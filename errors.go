package strategycache

import (
	"errors"

	perrors "github.com/jmgilman/go/errors"
)

// Error kinds surfaced to callers. Use errors.Is to match them; the values
// returned by the constructors below also carry a platform error code and
// retry classification.
var (
	// ErrAccessDenied means the access validator rejected the url or mode.
	ErrAccessDenied = errors.New("access denied")

	// ErrContentInvalid means the content validator refused a response on write.
	ErrContentInvalid = errors.New("content invalid")

	// ErrNetworkFailure means no network response was available and no
	// cached fallback existed.
	ErrNetworkFailure = errors.New("network failure")

	// ErrStoreUnavailable means the underlying metadata or content store failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCleanupInProgress means a proactive cleanup is already running.
	ErrCleanupInProgress = errors.New("cleanup in progress")

	// ErrQuotaUnsupported means the platform cannot report a storage estimate.
	ErrQuotaUnsupported = errors.New("storage estimate unsupported")
)

// AccessDenied wraps ErrAccessDenied with a permanent FORBIDDEN code.
func AccessDenied(msg string) error {
	return perrors.Wrap(ErrAccessDenied, perrors.CodeForbidden, msg)
}

// ContentInvalid wraps ErrContentInvalid with a permanent INVALID_INPUT code.
func ContentInvalid(msg string) error {
	return perrors.Wrap(ErrContentInvalid, perrors.CodeInvalidInput, msg)
}

// NetworkFailure records cause under ErrNetworkFailure with a retryable
// NETWORK_ERROR code. A nil cause is allowed.
func NetworkFailure(msg string, cause error) error {
	return perrors.Wrap(joinCause(ErrNetworkFailure, cause), perrors.CodeNetwork, msg)
}

// StoreUnavailable records cause under ErrStoreUnavailable with a retryable
// SERVICE_UNAVAILABLE code.
func StoreUnavailable(msg string, cause error) error {
	return perrors.Wrap(joinCause(ErrStoreUnavailable, cause), perrors.CodeUnavailable, msg)
}

// CleanupInProgress wraps ErrCleanupInProgress with a CONFLICT code.
func CleanupInProgress() error {
	return perrors.Wrap(ErrCleanupInProgress, perrors.CodeConflict, "a proactive cleanup is already running")
}

// QuotaUnsupported wraps ErrQuotaUnsupported with a NOT_IMPLEMENTED code.
func QuotaUnsupported(msg string) error {
	return perrors.Wrap(ErrQuotaUnsupported, perrors.CodeNotImplemented, msg)
}

func joinCause(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return errors.Join(kind, cause)
}
