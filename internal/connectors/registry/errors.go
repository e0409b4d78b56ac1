package registry

import "fmt"

// AuthenticationError means the provider could not establish or refresh a
// session. It aborts the run.
type AuthenticationError struct {
	Provider string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Reason)
}

// RateLimitError means the source kept rate limiting past the retry budget.
// It aborts the run.
type RateLimitError struct {
	Provider string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit retries exhausted", e.Provider)
}

// DownloadError means one item could not be fetched. It is recorded and the
// run continues.
type DownloadError struct {
	Provider string
	URL      string
	Reason   string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: download %s failed: %s", e.Provider, e.URL, e.Reason)
}
