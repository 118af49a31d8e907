package shared

import "errors"

// ErrInvalidPayload indicates a job or request payload that cannot be decoded.
var ErrInvalidPayload = errors.New("invalid payload")
