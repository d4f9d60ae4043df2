package apiclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindRateLimited
	KindTransientServer
	KindPermanentRequest
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientServer:
		return "transient_server"
	case KindPermanentRequest:
		return "permanent_request"
	default:
		return "unknown"
	}
}

var (
	// ErrAuth: credential acquisition or refresh failed, or the broker kept
	// rejecting the credential after one forced refresh.
	ErrAuth = errors.New("auth error")
	// ErrRateLimited is absorbed by retries and only used for classification.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientServer: 5xx/429/network failures after the retry ceiling.
	ErrTransientServer = errors.New("transient server error")
	// ErrPermanentRequest: any other 4xx, or a business-level rejection.
	ErrPermanentRequest = errors.New("permanent request error")
)

// APIError is returned by Client.Do for every non-success outcome.
type APIError struct {
	Kind     Kind
	Op       string
	Status   int
	Attempts int
	Code     string // broker return/message code when known
	Message  string
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTransientServer:
		return e.Kind == KindTransientServer
	case ErrPermanentRequest:
		return e.Kind == KindPermanentRequest
	}
	return false
}

// Rejected builds a permanent error for a business-level rejection carried in
// an otherwise successful response.
func Rejected(op, code, message string) error {
	return &APIError{Kind: KindPermanentRequest, Op: op, Status: 200, Code: code, Message: message}
}

// KindOf extracts the kind of err, or 0.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// classify maps an HTTP status to an outcome kind; 0 means success.
func classify(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return 0
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransientServer
	case status == 401 || status == 403:
		return KindAuth
	default:
		return KindPermanentRequest
	}
}
