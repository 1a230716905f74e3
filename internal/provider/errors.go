package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// TransientError is a collaborator failure worth retrying: timeouts, rate
// limits, 5xx responses and connection errors.
type TransientError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: transient error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: transient error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a collaborator failure that retrying will not fix:
// bad requests, rejected content, undecodable responses.
type PermanentError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: permanent error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: permanent error: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a classified permanent failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// statusError classifies a non-200 HTTP response.
func statusError(providerID string, status int, body []byte) error {
	err := fmt.Errorf("API error %d: %s", status, truncate(string(body), 512))
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &TransientError{Provider: providerID, StatusCode: status, Err: err}
	default:
		return &PermanentError{Provider: providerID, StatusCode: status, Err: err}
	}
}

// transportError classifies an error returned by http.Client.Do. Caller
// cancellation passes through untouched; everything else (timeouts, refused or
// reset connections) is treated as transient.
func transportError(providerID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Provider: providerID, Err: err}
}

// truncate caps s at max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
