package csd

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-csd/internal/nvme"
)

// Error represents a structured offload error with context and errno mapping
type Error struct {
	Op        string        // Operation that failed (e.g., "ALLOC", "AGGREGATE")
	Namespace uint32        // Namespace ID (0 if not applicable)
	Queue     int           // Queue number (-1 if not applicable)
	Code      ErrorCode     // High-level error category
	Status    nvme.Status   // Completion status (0 if not applicable)
	Errno     syscall.Errno // Errno (0 if not applicable)
	Msg       string        // Human-readable message
	Inner     error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Namespace != 0 {
		parts = append(parts, fmt.Sprintf("ns=%d", e.Namespace))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Status != nvme.StatusSuccess {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("csd: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("csd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel errors and other structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(CSDError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeNotImplemented     ErrorCode = "not implemented"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeDeviceOffline      ErrorCode = "device offline"
	ErrCodeQueueFull          ErrorCode = "queue full"
	ErrCodeProtocolViolation  ErrorCode = "protocol violation"
	ErrCodeAggregationFailed  ErrorCode = "aggregation failed"
)

// CSDError is a sentinel error comparable with errors.Is against any *Error of the same code
type CSDError string

func (e CSDError) Error() string {
	return string(e)
}

// Sentinel errors
const (
	ErrNotImplemented     CSDError = "not implemented"
	ErrDeviceNotFound     CSDError = "device not found"
	ErrDeviceBusy         CSDError = "device busy"
	ErrInvalidParameters  CSDError = "invalid parameters"
	ErrInsufficientMemory CSDError = "insufficient memory"
	ErrTimeout            CSDError = "timeout"
	ErrDeviceOffline      CSDError = "device offline"
	ErrQueueFull          CSDError = "queue full"
	ErrProtocolViolation  CSDError = "protocol violation"
	ErrAggregationFailed  CSDError = "aggregation failed"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewNamespaceError creates a new namespace-specific error
func NewNamespaceError(op string, nsid uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		Namespace: nsid,
		Queue:     -1,
		Code:      code,
		Msg:       msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, nsid uint32, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		Namespace: nsid,
		Queue:     queue,
		Code:      code,
		Msg:       msg,
	}
}

// NewStatusError creates an error from a failed completion
func NewStatusError(op string, nsid uint32, queue int, status nvme.Status) *Error {
	return &Error{
		Op:        op,
		Namespace: nsid,
		Queue:     queue,
		Code:      mapStatusToCode(status),
		Status:    status,
		Msg:       fmt.Sprintf("command completed with %s", status),
	}
}

// WrapError wraps an existing error with offload context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ce *Error
	if errors.As(inner, &ce) {
		return &Error{
			Op:        op,
			Namespace: ce.Namespace,
			Queue:     ce.Queue,
			Code:      ce.Code,
			Status:    ce.Status,
			Errno:     ce.Errno,
			Msg:       ce.Msg,
			Inner:     ce.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to offload error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotImplemented
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EPERM:
		// mlock/mmap limits surface as EPERM or ENOMEM
		return ErrCodeInsufficientMemory
	case syscall.EAGAIN:
		return ErrCodeQueueFull
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// mapStatusToCode maps a completion status to an offload error code
func mapStatusToCode(status nvme.Status) ErrorCode {
	switch status {
	case nvme.StatusInvalidOpcode, nvme.StatusInvalidField:
		return ErrCodeInvalidParameters
	case nvme.StatusAggregationFailed:
		return ErrCodeAggregationFailed
	case nvme.StatusAcceleratorTimeout:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Errno == errno
	}
	return false
}
