// Package errmap owns the gateway's error taxonomy: the stable error codes,
// their HTTP statuses, the fixed user-facing messages, and the structured
// failure envelope every handler returns.
package errmap

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are part of the API contract and
// never change meaning.
type Code string

const (
	CodeInvalidData           Code = "INVALID_DATA"
	CodeInvalidPhone          Code = "INVALID_PHONE"
	CodeInvalidEmail          Code = "INVALID_EMAIL"
	CodeValidationError       Code = "VALIDATION_ERROR"
	CodeSequenceViolation     Code = "SEQUENCE_VIOLATION"
	CodeInvalidStepTransition Code = "INVALID_STEP_TRANSITION"
	CodeSequenceExpired       Code = "SEQUENCE_EXPIRED"
	CodeSequenceNotFound      Code = "SEQUENCE_NOT_FOUND"
	CodeDataMismatch          Code = "DATA_MISMATCH"
	CodeDataNotFound          Code = "DATA_NOT_FOUND"
	CodeLockAcquisitionFailed Code = "LOCK_ACQUISITION_FAILED"
	CodeSequenceLocked        Code = "SEQUENCE_LOCKED"
	CodeConcurrentModify      Code = "CONCURRENT_MODIFICATION"
	CodeForbidden             Code = "FORBIDDEN"
	CodeRateLimit             Code = "RATE_LIMIT"
	CodeTimeout               Code = "TIMEOUT"
	CodeIdentityError         Code = "IDENTITY_ERROR"
	CodeKVError               Code = "KV_ERROR"
	CodeBackendError          Code = "BACKEND_ERROR"
	CodeTransportError        Code = "TRANSPORT_ERROR"
	CodeEmailError            Code = "EMAIL_ERROR"
	CodeMaxAttemptsExceeded   Code = "MAX_ATTEMPTS_EXCEEDED"
	CodeInvalidOTP            Code = "INVALID_OTP"
	CodeExpired               Code = "EXPIRED"
	CodeNoNumbersAvailable    Code = "NO_NUMBERS_AVAILABLE"
	CodeSystemError           Code = "SYSTEM_ERROR"
	CodeNetworkError          Code = "NETWORK_ERROR"
)

// Error carries a taxonomy code plus the operation that failed. Message, when
// set, overrides the fixed user-facing text; Details travel in the response's
// error_context.
type Error struct {
	Code       Code
	Op         string
	Message    string
	RetryAfter int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a user-safe message.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap attaches a taxonomy code to an underlying cause. The cause is never
// shown to callers; it surfaces only in logs.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithDetails returns a copy of e carrying extra error_context details.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRetryAfter returns a copy of e with an explicit retry_after hint in
// seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	clone := *e
	clone.RetryAfter = seconds
	return &clone
}

// CodeOf extracts the taxonomy code from an error chain. Unclassified errors
// report SYSTEM_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystemError
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

var httpStatus = map[Code]int{
	CodeInvalidData:           400,
	CodeInvalidPhone:          400,
	CodeInvalidEmail:          400,
	CodeValidationError:       400,
	CodeSequenceViolation:     400,
	CodeInvalidStepTransition: 400,
	CodeSequenceExpired:       400,
	CodeSequenceNotFound:      400,
	CodeDataMismatch:          400,
	CodeDataNotFound:          404,
	CodeLockAcquisitionFailed: 423,
	CodeSequenceLocked:        423,
	CodeConcurrentModify:      409,
	CodeForbidden:             403,
	CodeRateLimit:             429,
	CodeTimeout:               504,
	CodeIdentityError:         502,
	CodeKVError:               503,
	CodeBackendError:          502,
	CodeTransportError:        502,
	CodeEmailError:            502,
	CodeMaxAttemptsExceeded:   400,
	CodeInvalidOTP:            400,
	CodeExpired:               400,
	CodeNoNumbersAvailable:    503,
	CodeSystemError:           500,
	CodeNetworkError:          503,
}

// HTTPStatus maps a code to its response status. Unknown codes map to 500.
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return 500
}

var userMessage = map[Code]string{
	CodeInvalidData:           "The provided data is invalid.",
	CodeInvalidPhone:          "The phone number is not valid.",
	CodeInvalidEmail:          "The email address is not valid.",
	CodeValidationError:       "The request failed validation.",
	CodeSequenceViolation:     "This step cannot be performed yet. Please follow the registration steps in order.",
	CodeInvalidStepTransition: "This step cannot follow the current one.",
	CodeSequenceExpired:       "Your registration session expired. Please start again.",
	CodeSequenceNotFound:      "No registration in progress. Please start with the phone check.",
	CodeDataMismatch:          "The provided data does not match the earlier steps.",
	CodeDataNotFound:          "The requested record was not found.",
	CodeLockAcquisitionFailed: "The registration is busy. Please retry in a moment.",
	CodeSequenceLocked:        "Another request is updating this registration. Please retry.",
	CodeConcurrentModify:      "The registration changed concurrently. Please retry.",
	CodeForbidden:             "Access denied.",
	CodeRateLimit:             "Too many requests. Please slow down.",
	CodeTimeout:               "The operation timed out. Please retry.",
	CodeIdentityError:         "The account service is unavailable. Please retry later.",
	CodeKVError:               "A storage error occurred. Please retry later.",
	CodeBackendError:          "The assistant is unavailable. Please retry later.",
	CodeTransportError:        "The messaging service is unavailable. Please retry later.",
	CodeEmailError:            "The email could not be sent. Please retry later.",
	CodeMaxAttemptsExceeded:   "Too many incorrect codes. Please request a new one.",
	CodeInvalidOTP:            "The verification code is incorrect.",
	CodeExpired:               "The verification code expired. Please request a new one.",
	CodeNoNumbersAvailable:    "No messaging numbers are available right now.",
	CodeSystemError:           "An internal error occurred. Please retry later.",
	CodeNetworkError:          "A network error occurred. Please retry later.",
}

// UserMessage returns the fixed user-facing text for a code.
func UserMessage(code Code) string {
	if msg, ok := userMessage[code]; ok {
		return msg
	}
	return userMessage[CodeSystemError]
}
