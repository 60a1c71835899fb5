package pipeline

import "errors"

var (
	// ErrAcquireFailed wraps download/extraction failures.
	ErrAcquireFailed = errors.New("pipeline: acquire failed")

	// ErrTransformFailed wraps media processing failures.
	ErrTransformFailed = errors.New("pipeline: transform failed")

	// ErrAuthFailed means Login could not establish a platform session.
	ErrAuthFailed = errors.New("pipeline: auth failed")

	// ErrReauthRequired is returned by Publish when the platform session has
	// expired mid-cycle. The runner re-authenticates and retries once; a
	// second occurrence fails the cycle.
	ErrReauthRequired = errors.New("pipeline: reauth required")

	// ErrPublishFailed wraps terminal publish failures.
	ErrPublishFailed = errors.New("pipeline: publish failed")

	// ErrNoMetrics means the platform does not expose engagement counters
	// for a post. Metrics refresh treats it as a skip, not a failure.
	ErrNoMetrics = errors.New("pipeline: metrics unavailable")
)
