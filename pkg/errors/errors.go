// Unified error handling for the axiplot host.
//
// Three disjoint classes surface from the core: validation errors (local,
// reported before any I/O or computation), protocol/transport errors
// (terminal for one exchange), and device-reported errors (ERR/! lines
// passed through verbatim). Config and device-session errors reuse the
// same shape.
package errors

import "fmt"

// ErrorCode is the category of an error.
type ErrorCode string

const (
	// Planner errors
	ErrPlannerLimits ErrorCode = "PLANNER_LIMITS"
	ErrPlannerInput  ErrorCode = "PLANNER_INPUT"

	// Protocol engine errors
	ErrProtoValidation  ErrorCode = "PROTO_VALIDATION"
	ErrProtoNoResponse  ErrorCode = "PROTO_NO_RESPONSE"
	ErrProtoNoAck       ErrorCode = "PROTO_NO_ACK"
	ErrProtoMissingData ErrorCode = "PROTO_MISSING_DATA"
	ErrProtoDevice      ErrorCode = "PROTO_DEVICE"
	ErrProtoParse       ErrorCode = "PROTO_PARSE"
	ErrTransport        ErrorCode = "TRANSPORT"

	// Configuration errors
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigIO         ErrorCode = "CONFIG_IO"

	// Device session errors
	ErrDeviceState ErrorCode = "DEVICE_STATE"
	ErrDeviceBusy  ErrorCode = "DEVICE_BUSY"
)

// HostError is the error type used across the host packages.
type HostError struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Detail carries the raw device response or offending value, if any.
	Detail string

	// Err wraps the underlying error.
	Err error
}

// Error implements the error interface.
func (e *HostError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetDetail attaches detail text and returns the error.
func (e *HostError) SetDetail(detail string) *HostError {
	e.Detail = detail
	return e
}

// New creates a HostError with a category and formatted message.
func New(code ErrorCode, format string, args ...interface{}) *HostError {
	return &HostError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a category and message.
func Wrap(err error, code ErrorCode, format string, args ...interface{}) *HostError {
	return &HostError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is a HostError with the given code.
func Is(err error, code ErrorCode) bool {
	he, ok := err.(*HostError)
	return ok && he.Code == code
}

// IsValidation reports whether err is a local validation error that never
// touched the transport.
func IsValidation(err error) bool {
	return Is(err, ErrProtoValidation) ||
		Is(err, ErrPlannerLimits) ||
		Is(err, ErrPlannerInput) ||
		Is(err, ErrConfigValidation)
}

// IsProtocol reports whether err terminated a single protocol exchange.
func IsProtocol(err error) bool {
	return Is(err, ErrProtoNoResponse) ||
		Is(err, ErrProtoNoAck) ||
		Is(err, ErrProtoMissingData) ||
		Is(err, ErrProtoParse) ||
		Is(err, ErrTransport)
}

// IsDevice reports whether err carries a device-reported ERR/! response.
func IsDevice(err error) bool {
	return Is(err, ErrProtoDevice)
}
