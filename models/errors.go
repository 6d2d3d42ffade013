package models

import "fmt"

// Codes that end a capture run. A run that already wrote segments when one
// of these occurs is reported as partial rather than failed.
const (
	ErrCodeTimeout      = "CAPTURE_TIMEOUT"
	ErrCodeNavigation   = "NAVIGATION_FAILED"
	ErrCodeLogin        = "LOGIN_FAILED"
	ErrCodeBrowserCrash = "BROWSER_CRASH"
	ErrCodeWrite        = "WRITE_FAILED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// Codes for post-capture steps. They become run warnings; the segments
// on disk stay valid.
const (
	ErrCodeArchive  = "ARCHIVE_FAILED"
	ErrCodeDelivery = "DELIVERY_FAILED"
)

// Codes for requests rejected before a run starts.
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeBusy         = "CAPTURE_BUSY"
	ErrCodeNotFound     = "NOT_FOUND"
)

// ErrorDetail is the structured error in API responses and run reports.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CaptureError is how every stage of a capture run (browser, login, walker,
// archive, mail) reports failure. Code decides the run status and the HTTP
// status; Message is safe to show in a run report, while Err keeps the
// underlying rod, I/O or SMTP error for logs and errors.Is.
type CaptureError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError creates a new CaptureError.
func NewCaptureError(code, message string, err error) *CaptureError {
	return &CaptureError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *CaptureError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}
