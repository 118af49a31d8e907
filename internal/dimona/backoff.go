package dimona

import "time"

const (
	// IssuedRetryDelay is used after new declarations were sent.
	IssuedRetryDelay = 5 * time.Second
	// LockedRetryDelay is used when another pass holds the scope lease.
	LockedRetryDelay = 10 * time.Second
)

// Backoff returns the delay before polling again given the age of the oldest
// outstanding declaration.
func Backoff(age time.Duration) time.Duration {
	switch {
	case age <= 30*time.Second:
		return time.Second
	case age <= 1200*time.Second:
		return time.Minute
	default:
		return time.Hour
	}
}
